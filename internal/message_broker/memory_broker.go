package message_broker

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process MessageBroker with one buffered channel per
// queue. Nack with requeue re-publishes the body.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	size   int
	closed bool
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer < 1 {
		buffer = 1000
	}
	return &MemoryBroker{queues: make(map[string]chan []byte), size: buffer}
}

func (b *MemoryBroker) queue(name string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, b.size)
		b.queues[name] = q
	}
	return q, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, message []byte) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	select {
	case q <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Message, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case body := <-q:
				msg := Message{
					Body: body,
					Ack:  func() error { return nil },
					Nack: func(requeue bool) error {
						if requeue {
							return b.Publish(context.Background(), queue, body)
						}
						return nil
					},
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
