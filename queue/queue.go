package queue

import (
	"context"
	"errors"
	"time"

	"sms-interchange/message"
)

var (
	ErrClosed       = errors.New("queue: broker closed")
	ErrLeaseSettled = errors.New("queue: lease already settled")
)

// Broker is an at-least-once queue keyed by topic. A leased item is invisible to other
// consumers until it is acked or nacked.
type Broker interface {
	Enqueue(ctx context.Context, topic string, item *message.Item) error
	// Consume blocks until an item is leased or ctx is done.
	Consume(ctx context.Context, topic string) (Lease, error)
	// Depth is the number of items waiting on topic, delayed retries included.
	Depth(ctx context.Context, topic string) (int, error)
	Close() error
}

// Lease is exclusive ownership of one queued item.
//
// Nack with a zero delay returns the item, as it was enqueued, to the head of its topic;
// changes made through Item are dropped. A positive delay stores the item as it is now
// (attempt count, timestamps, last error) and makes it visible again after the delay.
type Lease interface {
	Item() *message.Item
	Ack() error
	Nack(delay time.Duration) error
}
