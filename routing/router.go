package routing

import (
	"sync/atomic"

	"sms-interchange/message"
)

// Match is the outcome of a successful route lookup.
type Match struct {
	Route     *Route
	Connector string
	Version   uint64
}

type snapshot struct {
	table   *Table
	version uint64
}

// Router publishes routing tables. Loading swaps the whole snapshot; a match reads the
// pointer once and so never sees routes from two versions.
type Router struct {
	current atomic.Pointer[snapshot]
	seq     atomic.Uint64
}

func NewRouter(t *Table) *Router {
	r := &Router{}
	if t != nil {
		_, _ = r.Load(t)
	}
	return r
}

// Load installs t and returns its version. A nil table is rejected and the live one kept.
func (r *Router) Load(t *Table) (uint64, error) {
	if t == nil {
		return 0, &ConfigurationError{Reason: "nil routing table"}
	}
	v := r.seq.Add(1)
	r.current.Store(&snapshot{table: t, version: v})
	return v, nil
}

// Snapshot returns the live table, or nil if none was loaded.
func (r *Router) Snapshot() *Table {
	if s := r.current.Load(); s != nil {
		return s.table
	}
	return nil
}

// Version returns the version of the live table; 0 means none is loaded.
func (r *Router) Version() uint64 {
	if s := r.current.Load(); s != nil {
		return s.version
	}
	return 0
}

func (r *Router) Match(m *message.Message, dir message.Direction, eligible Eligible) (Match, error) {
	s := r.current.Load()
	if s == nil {
		return Match{}, ErrNoRoute
	}
	route, id, err := s.table.Match(m, dir, eligible)
	if err != nil {
		return Match{}, err
	}
	return Match{Route: route, Connector: id, Version: s.version}, nil
}
