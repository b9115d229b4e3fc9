package routing

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"sms-interchange/message"
)

// FilterKind names the predicate a Filter evaluates.
type FilterKind string

const (
	KindTransparent       FilterKind = "transparent"
	KindSourceAddr        FilterKind = "source_addr"
	KindDestinationAddr   FilterKind = "destination_addr"
	KindDestinationPrefix FilterKind = "destination_prefix"
	KindContent           FilterKind = "content"
	KindConnector         FilterKind = "connector"
	KindUser              FilterKind = "user"
	KindTag               FilterKind = "tag"
	KindCostClass         FilterKind = "cost_class"
	KindPriority          FilterKind = "priority"
	KindDateInterval      FilterKind = "date_interval"
	KindTimeInterval      FilterKind = "time_interval"
	KindAnd               FilterKind = "and"
	KindOr                FilterKind = "or"
	KindNot               FilterKind = "not"
)

// Filter is a predicate descriptor or a boolean combination of filters. A Filter
// returned by compile is never written again, so one value may be evaluated from any
// number of goroutines.
type Filter struct {
	Kind     FilterKind `yaml:"kind" json:"kind"`
	Operand  string     `yaml:"operand,omitempty" json:"operand,omitempty"`
	Negate   bool       `yaml:"negate,omitempty" json:"negate,omitempty"`
	Children []*Filter  `yaml:"children,omitempty" json:"children,omitempty"`

	re       *regexp.Regexp
	prefix   string
	priority int
	from, to time.Time
	fromSec  int
	toSec    int
}

func Transparent() *Filter { return &Filter{Kind: KindTransparent} }

func SourceAddr(pattern string) *Filter { return &Filter{Kind: KindSourceAddr, Operand: pattern} }

func DestinationAddr(pattern string) *Filter {
	return &Filter{Kind: KindDestinationAddr, Operand: pattern}
}

func DestinationPrefix(prefix string) *Filter {
	return &Filter{Kind: KindDestinationPrefix, Operand: prefix}
}

func Content(pattern string) *Filter { return &Filter{Kind: KindContent, Operand: pattern} }

func FromConnector(id string) *Filter { return &Filter{Kind: KindConnector, Operand: id} }

func FromUser(user string) *Filter { return &Filter{Kind: KindUser, Operand: user} }

func Tag(tag string) *Filter { return &Filter{Kind: KindTag, Operand: tag} }

func CostClass(class string) *Filter { return &Filter{Kind: KindCostClass, Operand: class} }

func And(fs ...*Filter) *Filter { return &Filter{Kind: KindAnd, Children: fs} }

func Or(fs ...*Filter) *Filter { return &Filter{Kind: KindOr, Children: fs} }

func Not(f *Filter) *Filter { return &Filter{Kind: KindNot, Children: []*Filter{f}} }

// compile validates the descriptor and returns a read-only copy ready for Match.
func (f *Filter) compile() (*Filter, error) {
	if f == nil {
		return Transparent().compile()
	}
	c := &Filter{Kind: f.Kind, Operand: f.Operand, Negate: f.Negate}

	switch f.Kind {
	case KindTransparent:
	case KindSourceAddr, KindDestinationAddr, KindContent:
		re, err := regexp.Compile(f.Operand)
		if err != nil {
			return nil, configErrorf(err, "filter %s: bad pattern %q", f.Kind, f.Operand)
		}
		c.re = re
	case KindDestinationPrefix:
		c.prefix = digits(f.Operand)
		if c.prefix == "" {
			return nil, configErrorf(nil, "filter %s: empty prefix", f.Kind)
		}
	case KindConnector, KindUser, KindTag, KindCostClass:
		if f.Operand == "" {
			return nil, configErrorf(nil, "filter %s: empty operand", f.Kind)
		}
	case KindPriority:
		p, err := strconv.Atoi(f.Operand)
		if err != nil {
			return nil, configErrorf(err, "filter %s: bad priority %q", f.Kind, f.Operand)
		}
		c.priority = p
	case KindDateInterval:
		from, to, err := splitInterval(f.Operand)
		if err != nil {
			return nil, configErrorf(err, "filter %s", f.Kind)
		}
		if c.from, err = time.Parse("2006-01-02", from); err != nil {
			return nil, configErrorf(err, "filter %s: bad start date", f.Kind)
		}
		if c.to, err = time.Parse("2006-01-02", to); err != nil {
			return nil, configErrorf(err, "filter %s: bad end date", f.Kind)
		}
	case KindTimeInterval:
		from, to, err := splitInterval(f.Operand)
		if err != nil {
			return nil, configErrorf(err, "filter %s", f.Kind)
		}
		if c.fromSec, err = secondsOfDay(from); err != nil {
			return nil, configErrorf(err, "filter %s: bad start time", f.Kind)
		}
		if c.toSec, err = secondsOfDay(to); err != nil {
			return nil, configErrorf(err, "filter %s: bad end time", f.Kind)
		}
	case KindAnd, KindOr, KindNot:
		if len(f.Children) == 0 {
			return nil, configErrorf(nil, "filter %s: no children", f.Kind)
		}
		if f.Kind == KindNot && len(f.Children) != 1 {
			return nil, configErrorf(nil, "filter not: expects exactly one child")
		}
		for _, child := range f.Children {
			if child == nil {
				return nil, configErrorf(nil, "filter %s: nil child", f.Kind)
			}
			cc, err := child.compile()
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, cc)
		}
	default:
		return nil, configErrorf(nil, "unknown filter kind %q", f.Kind)
	}
	return c, nil
}

// Match evaluates the filter. AND/OR short-circuit.
func (f *Filter) Match(m *message.Message) bool {
	return f.eval(m) != f.Negate
}

func (f *Filter) eval(m *message.Message) bool {
	switch f.Kind {
	case KindTransparent:
		return true
	case KindSourceAddr:
		return f.re.MatchString(m.From)
	case KindDestinationAddr:
		return f.re.MatchString(m.To)
	case KindDestinationPrefix:
		return strings.HasPrefix(digits(m.To), f.prefix)
	case KindContent:
		return f.re.MatchString(m.Text())
	case KindConnector:
		return m.Direction == message.MO && m.Origin == f.Operand
	case KindUser:
		return m.Direction == message.MT && m.Origin == f.Operand
	case KindTag:
		return m.HasTag(f.Operand)
	case KindCostClass:
		return m.CostClass == f.Operand
	case KindPriority:
		return m.Priority == f.priority
	case KindDateInterval:
		d := m.CreatedAt.UTC().Truncate(24 * time.Hour)
		return !d.Before(f.from) && !d.After(f.to)
	case KindTimeInterval:
		t := m.CreatedAt.UTC()
		sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
		if f.fromSec <= f.toSec {
			return sec >= f.fromSec && sec <= f.toSec
		}
		// window wraps midnight
		return sec >= f.fromSec || sec <= f.toSec
	case KindAnd:
		for _, c := range f.Children {
			if !c.Match(m) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range f.Children {
			if c.Match(m) {
				return true
			}
		}
		return false
	case KindNot:
		return !f.Children[0].Match(m)
	}
	return false
}

func splitInterval(operand string) (string, string, error) {
	parts := strings.Split(operand, ";")
	if len(parts) != 2 {
		return "", "", configErrorf(nil, "interval %q must be start;end", operand)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func secondsOfDay(v string) (int, error) {
	t, err := time.Parse("15:04:05", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}
