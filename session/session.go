package session

import (
	"context"
	"errors"
	"sort"

	cmap "github.com/orcaman/concurrent-map"

	"sms-interchange/message"
)

// ErrClosed is returned by a push on a session that has been unbound.
var ErrClosed = errors.New("session: closed")

// Session is a live consumer session that can take inbound messages and receipts.
type Session interface {
	// ID is the consumer identity the session is bound as.
	ID() string
	DeliverMessage(ctx context.Context, m *message.Message) error
	DeliverReceipt(ctx context.Context, r message.DeliveryReceipt) error
}

// Registry tracks live sessions by consumer id. A consumer has at most one live
// session; a new bind replaces the previous one.
type Registry struct {
	sessions cmap.ConcurrentMap
}

func NewRegistry() *Registry {
	return &Registry{sessions: cmap.New()}
}

// Register binds s under its id and returns the session it replaced, if any.
func (r *Registry) Register(s Session) Session {
	var prev Session
	r.sessions.Upsert(s.ID(), s, func(exist bool, old interface{}, next interface{}) interface{} {
		if exist {
			prev = old.(Session)
		}
		return next
	})
	return prev
}

// Unregister removes s only if it is still the live session for its id.
func (r *Registry) Unregister(s Session) bool {
	return r.sessions.RemoveCb(s.ID(), func(_ string, v interface{}, exists bool) bool {
		return exists && v.(Session) == s
	})
}

func (r *Registry) Get(id string) (Session, bool) {
	v, ok := r.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(Session), true
}

// IDs lists bound consumer ids in sorted order.
func (r *Registry) IDs() []string {
	ids := r.sessions.Keys()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	return r.sessions.Count()
}
