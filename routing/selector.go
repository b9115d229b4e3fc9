package routing

import (
	"math/rand"
	"sync"
)

// Strategy names how a connector is picked among the eligible members of a weighted target.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "roundrobin"
	StrategyFailover   Strategy = "failover"
)

// Eligible reports whether a connector can currently take traffic. A nil Eligible
// treats every connector as eligible.
type Eligible func(connectorID string) bool

type selector interface {
	pick(r *Route, eligible Eligible) (string, bool)
}

func newSelector(s Strategy) (selector, error) {
	switch s {
	case "", StrategyRandom:
		return randomSelector{}, nil
	case StrategyRoundRobin:
		return &roundRobinSelector{state: make(map[*Route][]int)}, nil
	case StrategyFailover:
		return failoverSelector{}, nil
	}
	return nil, configErrorf(nil, "unknown selection strategy %q", s)
}

func eligibleMembers(r *Route, eligible Eligible) []WeightedConnector {
	members := r.Target.Members()
	if eligible == nil {
		return members
	}
	out := members[:0]
	for _, m := range members {
		if eligible(m.Connector) {
			out = append(out, m)
		}
	}
	return out
}

type randomSelector struct{}

func (randomSelector) pick(r *Route, eligible Eligible) (string, bool) {
	members := eligibleMembers(r, eligible)
	switch len(members) {
	case 0:
		return "", false
	case 1:
		return members[0].Connector, true
	}
	total := 0
	for _, m := range members {
		total += m.Weight
	}
	n := rand.Intn(total)
	for _, m := range members {
		if n < m.Weight {
			return m.Connector, true
		}
		n -= m.Weight
	}
	return members[len(members)-1].Connector, true
}

// roundRobinSelector is smooth weighted round robin; ineligible members neither gain nor
// lose credit while they are out.
type roundRobinSelector struct {
	mu    sync.Mutex
	state map[*Route][]int
}

func (s *roundRobinSelector) pick(r *Route, eligible Eligible) (string, bool) {
	members := r.Target.Members()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state[r]
	if !ok {
		current = make([]int, len(members))
		s.state[r] = current
	}

	best, total := -1, 0
	for i, m := range members {
		if eligible != nil && !eligible(m.Connector) {
			continue
		}
		current[i] += m.Weight
		total += m.Weight
		if best < 0 || current[i] > current[best] {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	current[best] -= total
	return members[best].Connector, true
}

type failoverSelector struct{}

func (failoverSelector) pick(r *Route, eligible Eligible) (string, bool) {
	members := eligibleMembers(r, eligible)
	if len(members) == 0 {
		return "", false
	}
	return members[0].Connector, true
}
