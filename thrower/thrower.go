package thrower

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sms-interchange/backoff"
	"sms-interchange/deadletter"
	"sms-interchange/logging"
	"sms-interchange/message"
	"sms-interchange/queue"
)

var (
	// ErrTargetUnavailable means the session the payload is addressed to is not bound.
	ErrTargetUnavailable = errors.New("thrower: target session unavailable")
	// ErrPushTimeout means the sink did not answer within the push timeout.
	ErrPushTimeout = errors.New("thrower: push timed out")
)

const consumeRetryDelay = time.Second

// Sink pushes a payload to the live session identified by target.
type Sink[P any] interface {
	Push(ctx context.Context, target string, payload P) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc[P any] func(ctx context.Context, target string, payload P) error

func (f SinkFunc[P]) Push(ctx context.Context, target string, payload P) error {
	return f(ctx, target, payload)
}

// Resolver decodes a queued item and names the session it goes to. A resolver error
// counts as a failed attempt unless it is wrapped with Permanent.
type Resolver[P any] func(ctx context.Context, item *message.Item) (target string, payload P, err error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the item is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Policy is the retry policy shared by every thrower.
type Policy struct {
	MaxAttempts int
	Backoff     backoff.Exponential
	PushTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     backoff.Exponential{Base: time.Second, Max: time.Minute},
		PushTimeout: 10 * time.Second,
	}
}

// Outcome is what a single attempt did with its lease.
type Outcome int

const (
	// Delivered: the sink accepted the payload and the item was acked.
	Delivered Outcome = iota
	// Retried: the item went back to the topic with a backoff delay.
	Retried
	// DeadLettered: the item was handed to the dead-letter sink and acked.
	DeadLettered
	// Aborted: the attempt was cancelled and the item returned untouched.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retried:
		return "retried"
	case DeadLettered:
		return "dead_lettered"
	default:
		return "aborted"
	}
}

// Stats are the cumulative counters of one thrower.
type Stats struct {
	Delivered    uint64
	Retried      uint64
	DeadLettered uint64
	Aborted      uint64
}

type Options[P any] struct {
	Name       string
	Topic      string
	Broker     queue.Broker
	Resolver   Resolver[P]
	Sink       Sink[P]
	Policy     Policy
	DeadLetter deadletter.Sink
	Logs       *logging.LogManager
}

// Thrower consumes one topic and pushes each item to its target session, retrying with
// backoff until the push succeeds or the attempts run out.
type Thrower[P any] struct {
	name       string
	topic      string
	broker     queue.Broker
	resolve    Resolver[P]
	sink       Sink[P]
	policy     Policy
	deadLetter deadletter.Sink
	logs       *logging.LogManager
	now        func() time.Time

	delivered    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	aborted      atomic.Uint64
}

func New[P any](opts Options[P]) (*Thrower[P], error) {
	switch {
	case opts.Broker == nil:
		return nil, errors.New("thrower: broker is required")
	case opts.Topic == "":
		return nil, errors.New("thrower: topic is required")
	case opts.Resolver == nil:
		return nil, errors.New("thrower: resolver is required")
	case opts.Sink == nil:
		return nil, errors.New("thrower: sink is required")
	case opts.DeadLetter == nil:
		return nil, errors.New("thrower: dead-letter sink is required")
	}

	def := DefaultPolicy()
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = def.MaxAttempts
	}
	if opts.Policy.Backoff.Base <= 0 {
		opts.Policy.Backoff = def.Backoff
	}
	if opts.Policy.PushTimeout <= 0 {
		opts.Policy.PushTimeout = def.PushTimeout
	}
	if opts.Name == "" {
		opts.Name = opts.Topic
	}
	if opts.Logs == nil {
		opts.Logs = logging.Discard()
	}

	return &Thrower[P]{
		name:       opts.Name,
		topic:      opts.Topic,
		broker:     opts.Broker,
		resolve:    opts.Resolver,
		sink:       opts.Sink,
		policy:     opts.Policy,
		deadLetter: opts.DeadLetter,
		logs:       opts.Logs,
		now:        time.Now,
	}, nil
}

func (t *Thrower[P]) Name() string  { return t.name }
func (t *Thrower[P]) Topic() string { return t.topic }

func (t *Thrower[P]) Stats() Stats {
	return Stats{
		Delivered:    t.delivered.Load(),
		Retried:      t.retried.Load(),
		DeadLettered: t.deadLettered.Load(),
		Aborted:      t.aborted.Load(),
	}
}

func (t *Thrower[P]) log(op, msg string, level logrus.Level, fields map[string]interface{}, err error) {
	t.logs.SendLog(t.logs.BuildLog("Thrower."+t.name+"."+op, msg, level, fields, err))
}

// Run consumes the topic until ctx is cancelled. It returns nil on cancellation and
// queue.ErrClosed when the broker goes away.
func (t *Thrower[P]) Run(ctx context.Context) error {
	t.log("Run", "ThrowerStarted", logrus.InfoLevel, map[string]interface{}{"topic": t.topic}, nil)
	defer t.log("Run", "ThrowerStopped", logrus.InfoLevel, map[string]interface{}{"topic": t.topic}, nil)

	for {
		lease, err := t.broker.Consume(ctx, t.topic)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			t.log("Run", "ConsumeFailed", logrus.ErrorLevel, map[string]interface{}{"topic": t.topic}, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumeRetryDelay):
			}
			continue
		}
		t.Attempt(ctx, lease)
	}
}

// Attempt runs one delivery attempt for a leased item and settles the lease.
func (t *Thrower[P]) Attempt(ctx context.Context, lease queue.Lease) Outcome {
	item := lease.Item()
	fields := map[string]interface{}{"item_id": item.ID, "topic": t.topic}

	// already exhausted: an earlier dead-letter write failed
	if item.Attempts >= t.policy.MaxAttempts {
		return t.giveUp(ctx, lease, item.LastError)
	}

	item.Touch(t.now().UTC())
	fields["attempt"] = item.Attempts

	target, payload, err := t.resolve(ctx, item)
	if err == nil {
		fields["target"] = target
		err = t.push(ctx, target, payload)
	}

	if err == nil {
		if ackErr := lease.Ack(); ackErr != nil {
			t.log("Attempt", "AckFailed", logrus.WarnLevel, fields, ackErr)
		}
		t.delivered.Add(1)
		t.log("Attempt", "Delivered", logrus.DebugLevel, fields, nil)
		return Delivered
	}

	if ctx.Err() != nil {
		if nackErr := lease.Nack(0); nackErr != nil {
			t.log("Attempt", "NackFailed", logrus.WarnLevel, fields, nackErr)
		}
		t.aborted.Add(1)
		return Aborted
	}

	item.LastError = err.Error()
	if isPermanent(err) || item.Attempts >= t.policy.MaxAttempts {
		return t.giveUp(ctx, lease, item.LastError)
	}

	delay := t.policy.Backoff.Delay(item.Attempts)
	fields["retry_in"] = delay.String()
	t.log("Attempt", "DeliveryFailed", logrus.WarnLevel, fields, err)
	if nackErr := lease.Nack(delay); nackErr != nil {
		t.log("Attempt", "NackFailed", logrus.ErrorLevel, fields, nackErr)
	}
	t.retried.Add(1)
	return Retried
}

func (t *Thrower[P]) giveUp(ctx context.Context, lease queue.Lease, reason string) Outcome {
	item := lease.Item()
	fields := map[string]interface{}{"item_id": item.ID, "topic": t.topic, "attempts": item.Attempts, "reason": reason}

	if err := t.deadLetter.DeadLetter(ctx, deadletter.NewRecord(t.topic, item, reason)); err != nil {
		// keep the item; the next attempt goes straight back here
		t.log("DeadLetter", "DeadLetterFailed", logrus.ErrorLevel, fields, err)
		if nackErr := lease.Nack(t.policy.Backoff.Delay(item.Attempts)); nackErr != nil {
			t.log("DeadLetter", "NackFailed", logrus.ErrorLevel, fields, nackErr)
		}
		t.retried.Add(1)
		return Retried
	}

	if err := lease.Ack(); err != nil {
		t.log("DeadLetter", "AckFailed", logrus.WarnLevel, fields, err)
	}
	t.deadLettered.Add(1)
	t.log("DeadLetter", "DeadLettered", logrus.WarnLevel, fields, nil)
	return DeadLettered
}

// push bounds the sink call by the push timeout even when the sink ignores its context.
func (t *Thrower[P]) push(ctx context.Context, target string, payload P) error {
	pctx, cancel := context.WithTimeout(ctx, t.policy.PushTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- t.sink.Push(pctx, target, payload) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s", ErrPushTimeout, target)
		}
		return err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrPushTimeout, target, t.policy.PushTimeout)
	}
}
