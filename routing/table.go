package routing

import (
	"sort"

	"sms-interchange/message"
)

// Table is an immutable routing snapshot. Routes are grouped per direction, sorted by
// priority with the default route last.
type Table struct {
	strategy Strategy
	sel      selector
	routes   map[message.Direction][]*Route
}

// NewTable validates and compiles routes into a snapshot. Filters are compiled into
// private copies so later changes to the caller's routes never reach the table.
func NewTable(strategy Strategy, routes ...Route) (*Table, error) {
	if len(routes) == 0 {
		return nil, configErrorf(nil, "empty routing table")
	}
	sel, err := newSelector(strategy)
	if err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = StrategyRandom
	}

	t := &Table{strategy: strategy, sel: sel, routes: make(map[message.Direction][]*Route)}
	priorities := make(map[message.Direction]map[int]string)
	defaults := make(map[message.Direction]int)

	for i := range routes {
		in := routes[i]
		r := &Route{Name: in.Name, Direction: in.Direction, Priority: in.Priority, Default: in.Default, Target: in.Target}

		switch r.Direction {
		case message.MO, message.MT:
		default:
			return nil, configErrorf(nil, "route %s: unknown direction %q", r.label(), r.Direction)
		}
		if len(r.Target.Members()) == 0 {
			return nil, configErrorf(nil, "route %s: no target connector", r.label())
		}
		for _, m := range r.Target.Members() {
			if m.Connector == "" {
				return nil, configErrorf(nil, "route %s: empty connector id", r.label())
			}
		}
		if r.Direction == message.MO && r.Target.IsWeighted() {
			return nil, configErrorf(nil, "route %s: MO routes take a single connector", r.label())
		}

		if r.Default {
			defaults[r.Direction]++
			r.Filter, _ = Transparent().compile()
		} else {
			if in.Filter == nil {
				return nil, configErrorf(nil, "route %s: missing filter", r.label())
			}
			f, err := in.Filter.compile()
			if err != nil {
				return nil, configErrorf(err, "route %s", r.label())
			}
			r.Filter = f

			seen := priorities[r.Direction]
			if seen == nil {
				seen = make(map[int]string)
				priorities[r.Direction] = seen
			}
			if other, dup := seen[r.Priority]; dup {
				return nil, configErrorf(nil, "routes %s and %s share priority %d", other, r.label(), r.Priority)
			}
			seen[r.Priority] = r.label()
		}
		t.routes[r.Direction] = append(t.routes[r.Direction], r)
	}

	for dir, rs := range t.routes {
		if defaults[dir] != 1 {
			return nil, configErrorf(nil, "direction %s: want exactly one default route, have %d", dir, defaults[dir])
		}
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].Default != rs[j].Default {
				return rs[j].Default
			}
			return rs[i].Priority < rs[j].Priority
		})
	}
	return t, nil
}

// Strategy returns the weighted selection strategy of the table.
func (t *Table) Strategy() Strategy { return t.strategy }

// Routes returns the ordered routes of one direction. The returned routes must not be modified.
func (t *Table) Routes(dir message.Direction) []*Route {
	out := make([]*Route, len(t.routes[dir]))
	copy(out, t.routes[dir])
	return out
}

// Len is the number of routes across directions.
func (t *Table) Len() int {
	n := 0
	for _, rs := range t.routes {
		n += len(rs)
	}
	return n
}

// Match walks the direction's routes in order and returns the first route whose filter
// matches and which has an eligible connector.
func (t *Table) Match(m *message.Message, dir message.Direction, eligible Eligible) (*Route, string, error) {
	for _, r := range t.routes[dir] {
		if !r.Filter.Match(m) {
			continue
		}
		if id, ok := t.sel.pick(r, eligible); ok {
			return r, id, nil
		}
	}
	return nil, "", ErrNoRoute
}
