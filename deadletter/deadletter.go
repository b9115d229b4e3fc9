package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"sms-interchange/message"
	"sms-interchange/queue"
)

// Record is a queued item that exhausted its delivery attempts, with the reason it was given up.
type Record struct {
	ItemID        string              `json:"item_id" bson:"item_id"`
	Kind          message.ItemKind    `json:"kind" bson:"kind"`
	Topic         string              `json:"topic" bson:"topic"`
	Target        string              `json:"target" bson:"target"`
	Attempts      int                 `json:"attempts" bson:"attempts"`
	Reason        string              `json:"reason" bson:"reason"`
	FirstEnqueued time.Time           `json:"first_enqueued" bson:"first_enqueued"`
	LastAttempt   time.Time           `json:"last_attempt" bson:"last_attempt"`
	DeadAt        time.Time           `json:"dead_at" bson:"dead_at"`
	Payload       jsoniter.RawMessage `json:"payload" bson:"-"`
}

func NewRecord(topic string, item *message.Item, reason string) Record {
	return Record{
		ItemID:        item.ID,
		Kind:          item.Kind,
		Topic:         topic,
		Target:        item.Target,
		Attempts:      item.Attempts,
		Reason:        reason,
		FirstEnqueued: item.FirstEnqueued,
		LastAttempt:   item.LastAttempt,
		DeadAt:        time.Now().UTC(),
		Payload:       item.Payload,
	}
}

// Sink stores dead letters. A failed write must be reported so the caller keeps the item.
type Sink interface {
	DeadLetter(ctx context.Context, r Record) error
}

// QueueSink publishes dead letters to a broker topic for later inspection or replay.
type QueueSink struct {
	Broker queue.Broker
	Topic  string
}

func (s QueueSink) DeadLetter(ctx context.Context, r Record) error {
	item, err := message.NewItem(message.QueueItemKind.DeadLetter, r.Target, r)
	if err != nil {
		return err
	}
	item.ID = r.ItemID
	item.Attempts = r.Attempts
	item.FirstEnqueued = r.FirstEnqueued
	item.LastAttempt = r.LastAttempt
	item.LastError = r.Reason
	return s.Broker.Enqueue(ctx, s.Topic, item)
}

// Fanout writes to every sink and fails if any of them fails.
type Fanout []Sink

func (f Fanout) DeadLetter(ctx context.Context, r Record) error {
	var errs []error
	for i, s := range f {
		if err := s.DeadLetter(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, r Record) error

func (f Func) DeadLetter(ctx context.Context, r Record) error { return f(ctx, r) }
