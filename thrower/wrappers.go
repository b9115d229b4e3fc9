package thrower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
)

// DedupeSink drops pushes whose key was already delivered to the same target. It covers
// broker redeliveries after a lost ack; it does not survive a restart.
type DedupeSink[P any] struct {
	next Sink[P]
	key  func(P) string
	seen *lru.Cache[string, struct{}]
}

func NewDedupeSink[P any](next Sink[P], size int, key func(P) string) (*DedupeSink[P], error) {
	if size <= 0 {
		size = 10000
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &DedupeSink[P]{next: next, key: key, seen: seen}, nil
}

func (d *DedupeSink[P]) Push(ctx context.Context, target string, payload P) error {
	k := target + "|" + d.key(payload)
	if d.seen.Contains(k) {
		return nil
	}
	if err := d.next.Push(ctx, target, payload); err != nil {
		return err
	}
	d.seen.Add(k, struct{}{})
	return nil
}

// BreakerSink keeps one circuit breaker per target session. While a target's breaker is
// open, pushes fail fast with ErrTargetUnavailable instead of waiting on the session.
type BreakerSink[P any] struct {
	next     Sink[P]
	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSink opens a target's breaker after threshold consecutive failures and
// half-opens it again after cooldown.
func NewBreakerSink[P any](next Sink[P], threshold uint32, cooldown time.Duration) *BreakerSink[P] {
	if threshold == 0 {
		threshold = 5
	}
	return &BreakerSink[P]{
		next: next,
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			// a cancelled push says nothing about the session
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *BreakerSink[P]) breaker(target string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[target]
	if !ok {
		st := b.settings
		st.Name = target
		cb = gobreaker.NewCircuitBreaker(st)
		b.breakers[target] = cb
	}
	return cb
}

func (b *BreakerSink[P]) Push(ctx context.Context, target string, payload P) error {
	_, err := b.breaker(target).Execute(func() (interface{}, error) {
		return nil, b.next.Push(ctx, target, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrTargetUnavailable, target, err)
	}
	return err
}

// State reports the breaker state of target; closed when it was never used.
func (b *BreakerSink[P]) State(target string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[target]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
