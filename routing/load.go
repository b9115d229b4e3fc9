package routing

import (
	"gopkg.in/yaml.v3"

	"sms-interchange/message"
)

// TableSpec is the YAML form of a routing table.
//
//	strategy: roundrobin
//	mt:
//	  - name: us
//	    priority: 1
//	    filter: {kind: destination_prefix, operand: "1"}
//	    connector: smpp-us
//	  - default: true
//	    connectors: [{connector: smpp-a, weight: 3}, {connector: smpp-b, weight: 1}]
type TableSpec struct {
	Strategy Strategy    `yaml:"strategy,omitempty"`
	MO       []RouteSpec `yaml:"mo,omitempty"`
	MT       []RouteSpec `yaml:"mt,omitempty"`
}

type RouteSpec struct {
	Name       string              `yaml:"name,omitempty"`
	Priority   int                 `yaml:"priority,omitempty"`
	Default    bool                `yaml:"default,omitempty"`
	Filter     *Filter             `yaml:"filter,omitempty"`
	Connector  string              `yaml:"connector,omitempty"`
	Connectors []WeightedConnector `yaml:"connectors,omitempty"`
}

// ParseTable decodes and builds a table from YAML.
func ParseTable(data []byte) (*Table, error) {
	var spec TableSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, configErrorf(err, "decode routing table")
	}
	return spec.Build()
}

// Build validates s into a Table.
func (s TableSpec) Build() (*Table, error) {
	routes := make([]Route, 0, len(s.MO)+len(s.MT))
	for _, rs := range s.MO {
		r, err := rs.route(message.MO)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	for _, rs := range s.MT {
		r, err := rs.route(message.MT)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return NewTable(s.Strategy, routes...)
}

func (rs RouteSpec) route(dir message.Direction) (Route, error) {
	r := Route{Name: rs.Name, Direction: dir, Priority: rs.Priority, Default: rs.Default, Filter: rs.Filter}
	switch {
	case rs.Connector != "" && len(rs.Connectors) > 0:
		return Route{}, configErrorf(nil, "route %s: set connector or connectors, not both", r.label())
	case rs.Connector != "":
		r.Target = Single(rs.Connector)
	case len(rs.Connectors) > 0:
		r.Target = Weighted(rs.Connectors...)
	default:
		return Route{}, configErrorf(nil, "route %s: no target connector", r.label())
	}
	return r, nil
}
