package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"sms-interchange/message"
)

// MemoryBroker is an in-process Broker used for tests and single-node setups without AMQP.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
	done   chan struct{}
}

type memTopic struct {
	items   *list.List // of *message.Item
	delayed int
	ready   chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memTopic), done: make(chan struct{})}
}

func (b *MemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{items: list.New(), ready: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// signal wakes every consumer parked on the topic. Caller holds b.mu.
func (t *memTopic) signal() {
	close(t.ready)
	t.ready = make(chan struct{})
}

func (b *MemoryBroker) Enqueue(_ context.Context, topic string, item *message.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topic(topic)
	t.items.PushBack(item.Clone())
	t.signal()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, topic string) (Lease, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		t := b.topic(topic)
		if front := t.items.Front(); front != nil {
			orig := t.items.Remove(front).(*message.Item)
			b.mu.Unlock()
			return &memLease{broker: b, topic: topic, orig: orig, item: orig.Clone()}, nil
		}
		ready := t.ready
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-ready:
		}
	}
}

func (b *MemoryBroker) Depth(_ context.Context, topic string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0, nil
	}
	return t.items.Len() + t.delayed, nil
}

// Close drops queued items and releases blocked consumers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

type memLease struct {
	broker  *MemoryBroker
	topic   string
	orig    *message.Item
	item    *message.Item
	mu      sync.Mutex
	settled bool
}

func (l *memLease) Item() *message.Item { return l.item }

func (l *memLease) settle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return ErrLeaseSettled
	}
	l.settled = true
	return nil
}

func (l *memLease) Ack() error {
	return l.settle()
}

func (l *memLease) Nack(delay time.Duration) error {
	if err := l.settle(); err != nil {
		return err
	}
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topic(l.topic)

	if delay <= 0 {
		t.items.PushFront(l.orig)
		t.signal()
		return nil
	}

	retry := l.item.Clone()
	t.delayed++
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		t.delayed--
		if b.closed {
			return
		}
		t.items.PushBack(retry)
		t.signal()
	})
	return nil
}
