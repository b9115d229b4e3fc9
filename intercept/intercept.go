package intercept

import (
	"context"
	"errors"
	"fmt"

	"sms-interchange/message"
)

// Interceptor inspects a message before it is routed. It returns the message to route,
// which may be a modified copy, or a RejectedError.
type Interceptor interface {
	Intercept(ctx context.Context, m *message.Message) (*message.Message, error)
}

// RejectedError is returned when an interceptor refuses a message.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "intercept: rejected: " + e.Reason
}

func Reject(reason string) error {
	return &RejectedError{Reason: reason}
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Func adapts a plain function to Interceptor.
type Func func(ctx context.Context, m *message.Message) (*message.Message, error)

func (f Func) Intercept(ctx context.Context, m *message.Message) (*message.Message, error) {
	return f(ctx, m)
}

// Chain runs interceptors in order, feeding each the previous result. The first
// error stops the chain.
type Chain []Interceptor

func (c Chain) Intercept(ctx context.Context, m *message.Message) (*message.Message, error) {
	for i, ic := range c {
		out, err := ic.Intercept(ctx, m)
		if err != nil {
			if IsRejected(err) {
				return nil, err
			}
			return nil, fmt.Errorf("interceptor %d: %w", i, err)
		}
		if out != nil {
			m = out
		}
	}
	return m, nil
}

// Apply runs ic against m; a nil interceptor allows everything unchanged.
func Apply(ctx context.Context, ic Interceptor, m *message.Message) (*message.Message, error) {
	if ic == nil {
		return m, nil
	}
	out, err := ic.Intercept(ctx, m)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return m, nil
	}
	return out, nil
}
