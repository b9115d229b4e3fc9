package routing

import (
	"fmt"
	"strings"

	"sms-interchange/message"
)

// WeightedConnector is one member of a weighted MT target.
type WeightedConnector struct {
	Connector string `yaml:"connector" json:"connector"`
	Weight    int    `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Target is either a single connector or a weighted set of connectors.
type Target struct {
	single   string
	weighted []WeightedConnector
	total    int
}

// Single targets exactly one connector.
func Single(connectorID string) Target {
	return Target{single: connectorID}
}

// Weighted targets a set of connectors selected by weight. A zero weight counts as 1.
func Weighted(members ...WeightedConnector) Target {
	t := Target{weighted: make([]WeightedConnector, 0, len(members))}
	for _, m := range members {
		if m.Weight <= 0 {
			m.Weight = 1
		}
		t.weighted = append(t.weighted, m)
		t.total += m.Weight
	}
	return t
}

func (t Target) IsWeighted() bool { return t.weighted != nil }

// Members returns the target's connectors; a single target has one member of weight 1.
func (t Target) Members() []WeightedConnector {
	if !t.IsWeighted() {
		if t.single == "" {
			return nil
		}
		return []WeightedConnector{{Connector: t.single, Weight: 1}}
	}
	out := make([]WeightedConnector, len(t.weighted))
	copy(out, t.weighted)
	return out
}

// TotalWeight is the sum of member weights.
func (t Target) TotalWeight() int {
	if !t.IsWeighted() {
		return 1
	}
	return t.total
}

func (t Target) String() string {
	if !t.IsWeighted() {
		return t.single
	}
	parts := make([]string, len(t.weighted))
	for i, w := range t.weighted {
		parts[i] = fmt.Sprintf("%s:%d", w.Connector, w.Weight)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Route is one ordered rule of a routing table. Lower Priority evaluates first; the
// default route always evaluates last and its filter always matches.
type Route struct {
	Name      string
	Direction message.Direction
	Priority  int
	Default   bool
	Filter    *Filter
	Target    Target
}

func (r *Route) label() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Default {
		return fmt.Sprintf("%s/default", r.Direction)
	}
	return fmt.Sprintf("%s/%d", r.Direction, r.Priority)
}
