// Package message_broker carries job submissions from producers to the
// process that writes them to storage.
package message_broker

import "context"

// Message is one delivery. Ack once the body has been persisted; Nack with
// requeue puts it back for another consumer.
type Message struct {
	Body []byte
	Ack  func() error
	Nack func(requeue bool) error
}

type MessageBroker interface {
	Publish(ctx context.Context, queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan Message, error)
	Close() error
}
