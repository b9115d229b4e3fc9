package dlrstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no submission is recorded for a carrier message id.
var ErrNotFound = errors.New("dlrstore: mapping not found")

// Mapping ties a carrier message id back to the submission that produced it.
type Mapping struct {
	MessageID   string    `json:"message_id"`
	Submitter   string    `json:"submitter"`
	ConnectorID string    `json:"connector_id"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Store keeps mappings until the final receipt arrives or the TTL runs out.
type Store interface {
	Save(ctx context.Context, carrierMessageID string, m Mapping, ttl time.Duration) error
	Lookup(ctx context.Context, connectorID, carrierMessageID string) (Mapping, error)
	Delete(ctx context.Context, connectorID, carrierMessageID string) error
}

// MemoryStore is a Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	m       Mapping
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func key(connectorID, carrierMessageID string) string {
	return "dlr:" + connectorID + ":" + carrierMessageID
}

func (s *MemoryStore) Save(_ context.Context, carrierMessageID string, m Mapping, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{m: m}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key(m.ConnectorID, carrierMessageID)] = e
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, connectorID, carrierMessageID string) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(connectorID, carrierMessageID)
	e, ok := s.entries[k]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.entries, k)
		return Mapping{}, ErrNotFound
	}
	return e.m, nil
}

func (s *MemoryStore) Delete(_ context.Context, connectorID, carrierMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(connectorID, carrierMessageID))
	return nil
}
