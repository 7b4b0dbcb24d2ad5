package message_broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBrokerInterface(t *testing.T) {
	var _ MessageBroker = (*RabbitMQ)(nil)
	var _ MessageBroker = (*MemoryBroker)(nil)
}

func TestMemoryBroker_PublishConsume(t *testing.T) {
	b := NewMemoryBroker(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "jobs", []byte("one")))
	require.NoError(t, b.Publish(ctx, "jobs", []byte("two")))

	ch, err := b.Consume(ctx, "jobs")
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "one", string(first.Body))
	require.NoError(t, first.Ack())

	second := <-ch
	assert.Equal(t, "two", string(second.Body))
	require.NoError(t, second.Nack(true))

	select {
	case again := <-ch:
		assert.Equal(t, "two", string(again.Body))
	case <-time.After(time.Second):
		t.Fatal("requeued message was not redelivered")
	}
}

func TestMemoryBroker_ConsumeStopsOnCancel(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Consume(ctx, "jobs")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker(1)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "jobs", []byte("x")), ErrBrokerClosed)
}

func TestMemoryBroker_PublishRespectsContext(t *testing.T) {
	b := NewMemoryBroker(1)
	require.NoError(t, b.Publish(context.Background(), "jobs", []byte("fill")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, "jobs", []byte("blocked")), context.DeadlineExceeded)
}
