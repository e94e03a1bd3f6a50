// Package query implements the operator vocabulary of spec §6 (used by the
// permanent store's explore interface, by range locks, and by string
// parsing at the surface boundary) and the range-predicate overlap test
// range locks use to decide conflicts (spec §4.4). It generalizes the
// teacher's pkg/query/scan.go ScanCondition (a single-operator, single-key
// predicate over a B+Tree key) to the spec's full operator set and to
// interval overlap between two predicates rather than key-vs-predicate
// matching.
package query

import (
	"regexp"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/value"
)

// Operator is a comparison or predicate kind usable in an explore query or a
// range lock (spec §6 "Operator symbols").
type Operator int

const (
	Eq Operator = iota
	Ne
	Gt
	Gte
	Lt
	Lte
	Between
	LinksTo
	Regex
	NotRegex
)

// symbolAliases maps both the symbolic and word forms spec §6 lists for each
// operator, for string-boundary parsing.
var symbolAliases = map[string]Operator{
	"=": Eq, "eq": Eq,
	"!=": Ne, "ne": Ne,
	">": Gt, "gt": Gt,
	">=": Gte, "gte": Gte,
	"<": Lt, "lt": Lt,
	"<=": Lte, "lte": Lte,
	"><": Between, "bw": Between,
	"->": LinksTo, "lnk2": LinksTo,
	"regex":  Regex,
	"nregex": NotRegex,
}

// ParseOperator resolves an operator symbol or word form to an Operator.
func ParseOperator(symbol string) (Operator, error) {
	op, ok := symbolAliases[symbol]
	if !ok {
		return 0, errors.NewInvalidWriteError("unrecognized operator symbol: " + symbol)
	}
	return op, nil
}

func (op Operator) String() string {
	switch op {
	case Eq:
		return "="
	case Ne:
		return "!="
	case Gt:
		return ">"
	case Gte:
		return ">="
	case Lt:
		return "<"
	case Lte:
		return "<="
	case Between:
		return "><"
	case LinksTo:
		return "->"
	case Regex:
		return "regex"
	case NotRegex:
		return "nregex"
	default:
		return "?"
	}
}

// Predicate is an operator applied to one or two bound values over a key,
// the shape explore() and range locks both consume.
type Predicate struct {
	Key      string
	Operator Operator
	Values   []value.Value
}

// Matches reports whether v satisfies the predicate, used by a permanent
// store's explore() and by Limbo.Explore to replay buffered toggles against
// a range result.
func (p Predicate) Matches(v value.Value) bool {
	switch p.Operator {
	case Eq:
		return len(p.Values) == 1 && v.Equal(p.Values[0])
	case Ne:
		return len(p.Values) == 1 && !v.Equal(p.Values[0])
	case Gt:
		cmp, ok := value.Compare(v, p.Values[0])
		return ok && cmp > 0
	case Gte:
		cmp, ok := value.Compare(v, p.Values[0])
		return ok && cmp >= 0
	case Lt:
		cmp, ok := value.Compare(v, p.Values[0])
		return ok && cmp < 0
	case Lte:
		cmp, ok := value.Compare(v, p.Values[0])
		return ok && cmp <= 0
	case Between:
		if len(p.Values) != 2 {
			return false
		}
		lo, okLo := value.Compare(v, p.Values[0])
		hi, okHi := value.Compare(v, p.Values[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	case LinksTo:
		return len(p.Values) == 1 && v.Equal(p.Values[0])
	case Regex:
		if len(p.Values) != 1 {
			return false
		}
		re, err := regexp.Compile(string(stringPayload(p.Values[0])))
		return err == nil && re.MatchString(string(stringPayload(v)))
	case NotRegex:
		if len(p.Values) != 1 {
			return false
		}
		re, err := regexp.Compile(string(stringPayload(p.Values[0])))
		return err != nil || !re.MatchString(string(stringPayload(v)))
	default:
		return false
	}
}

func stringPayload(v value.Value) string {
	if s, ok := v.(value.String); ok {
		return string(s)
	}
	return string(v.Payload())
}

// Overlaps reports whether two predicates over the same key could match
// overlapping value ranges, the conflict rule range locks use (spec §4.4:
// "two range-reads on overlapping intervals do not conflict; a range-write
// conflicts with any overlapping read or write"). Operators without a
// natural interval (Ne, Regex, NotRegex, LinksTo) are treated as spanning
// the whole domain: safe because it only ever widens, never narrows,
// conflict detection.
func (p Predicate) Overlaps(o Predicate) bool {
	if p.Key != o.Key {
		return false
	}
	aLo, aLoIncl, aLoUnb, aHi, aHiIncl, aHiUnb := interval(p)
	bLo, bLoIncl, bLoUnb, bHi, bHiIncl, bHiUnb := interval(o)

	return !exceeds(aLo, aLoIncl, aLoUnb, bHi, bHiIncl, bHiUnb) &&
		!exceeds(bLo, bLoIncl, bLoUnb, aHi, aHiIncl, aHiUnb)
}

func interval(p Predicate) (lo value.Value, loIncl, loUnbounded bool, hi value.Value, hiIncl, hiUnbounded bool) {
	switch p.Operator {
	case Eq:
		return p.Values[0], true, false, p.Values[0], true, false
	case Gt:
		return p.Values[0], false, false, nil, false, true
	case Gte:
		return p.Values[0], true, false, nil, false, true
	case Lt:
		return nil, false, true, p.Values[0], false, false
	case Lte:
		return nil, false, true, p.Values[0], true, false
	case Between:
		return p.Values[0], true, false, p.Values[1], true, false
	default: // Ne, Regex, NotRegex, LinksTo: whole domain
		return nil, false, true, nil, false, true
	}
}

// exceeds reports whether the lower bound (lowVal, inclusive unless
// unbounded) is strictly past the upper bound (upVal, inclusive unless
// unbounded), i.e. the two half-intervals cannot share a point.
func exceeds(lowVal value.Value, lowIncl, lowUnbounded bool, upVal value.Value, upIncl, upUnbounded bool) bool {
	if lowUnbounded || upUnbounded {
		return false
	}
	cmp, ok := value.Compare(lowVal, upVal)
	if !ok {
		// Values aren't orderable against each other: conservatively assume
		// they might overlap rather than silently missing a conflict.
		return false
	}
	if cmp > 0 {
		return true
	}
	if cmp == 0 && !(lowIncl && upIncl) {
		return true
	}
	return false
}
