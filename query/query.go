// Package query implements the bracketed query language: tokenizing, parsing
// into a Query, and matching objects against it.
//
// A query is a sequence of bracketed clauses:
//
//	[?name="Bob" | name="Alice"]   terms; clauses are ANDed, | separates alternatives
//	[?owner->name exists]          -> dereferences a uuid held by owner
//	[/name] [>name]                ascending order
//	[\name] [<name]                descending order
//	[={n: name, o: owner->name}]   projection into objects
//	[=[name, owner->name]]         projection into lists
//	[=owner->name]                 projection into bare values
//	[count]                        aggregate
//	[*]                            everything
package query

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Reserved property names the query layer cares about.
const (
	TypeField = "_type"
	UUIDField = "_uuid"
)

// Operators.
const (
	OpEqual       = "="
	OpNotEqual    = "!="
	OpNotEqualAlt = "<>"
	OpLess        = "<"
	OpLessEq      = "<="
	OpGreater     = ">"
	OpGreaterEq   = ">="
	OpRegexp      = "=~"
	OpNotRegexp   = "!=~"
	OpExists      = "exists"
	OpNotExists   = "notExists"
	OpIn          = "in"
	OpNotIn       = "notIn"
	OpContains    = "contains"
	OpNotContains = "notContains"
	OpStartsWith  = "startsWith"
)

var knownOps = map[string]bool{
	OpEqual: true, OpNotEqual: true, OpNotEqualAlt: true,
	OpLess: true, OpLessEq: true, OpGreater: true, OpGreaterEq: true,
	OpRegexp: true, OpNotRegexp: true,
	OpExists: true, OpNotExists: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true,
	OpStartsWith: true,
}

// ErrParse is wrapped by the error returned from Query.Err.
var ErrParse = errors.New("query parse error")

// Term is a single predicate: PropertyName Op Value, optionally evaluated on an
// object reached by following the uuid references named in JoinField.
type Term struct {
	PropertyName     string
	PropertyVariable string // binding that supplied PropertyName
	JoinField        string // hops joined by "->"
	Op               string
	Value            any    // Undefined when the operator takes no value
	Variable         string // binding that supplied Value

	Pattern         string
	Wildcard        bool
	CaseInsensitive bool
	Regexp          *regexp.Regexp
}

// JoinPaths returns the dereference hops, outermost first.
func (t *Term) JoinPaths() []string {
	if t.JoinField == "" {
		return nil
	}
	return strings.Split(t.JoinField, "->")
}

// RegexpPrefix returns the literal prefix every matching string starts with,
// or "" when there is none usable for an index range. Case-insensitive
// patterns never have one.
func (t *Term) RegexpPrefix() string {
	if t.CaseInsensitive || !t.Wildcard {
		return ""
	}
	i := strings.IndexAny(t.Pattern, "*?[\\")
	if i < 0 {
		return t.Pattern
	}
	return t.Pattern[:i]
}

// OrTerm is a disjunction of terms.
type OrTerm struct {
	Terms []Term
}

// PropertyNames returns the distinct properties the alternatives refer to.
func (ot *OrTerm) PropertyNames() []string {
	var names []string
	for _, t := range ot.Terms {
		found := false
		for _, n := range names {
			if n == t.PropertyName {
				found = true
				break
			}
		}
		if !found {
			names = append(names, t.PropertyName)
		}
	}
	return names
}

// ResultType is the shape of each query result.
type ResultType int

const (
	ResultObjects ResultType = iota // the stored objects
	ResultMap                       // [={k: expr, ...}]
	ResultList                      // [=[expr, ...]]
	ResultValue                     // [=expr]
)

func (rt ResultType) String() string {
	switch rt {
	case ResultObjects:
		return "objects"
	case ResultMap:
		return "map"
	case ResultList:
		return "list"
	case ResultValue:
		return "value"
	default:
		return fmt.Sprintf("ResultType(%d)", int(rt))
	}
}

type OrderTerm struct {
	PropertyName string
	Ascending    bool
}

// Query is an immutable parsed query. A query that failed to parse has no
// terms, a non-empty Explanation, and matches nothing.
type Query struct {
	Text           string
	Terms          []OrTerm // ANDed
	OrderTerms     []OrderTerm
	ResultType     ResultType
	MapKeys        []string // ResultMap only, parallel to MapExpressions
	MapExpressions []string
	Aggregate      string
	Bindings       map[string]any
	MatchedTypes   map[string]bool
	Explanation    []string
}

// Failed reports whether parsing failed.
func (q *Query) Failed() bool {
	return len(q.Explanation) > 0
}

// Err returns the parse failure, if any.
func (q *Query) Err() error {
	if !q.Failed() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrParse, strings.Join(q.Explanation, "; "))
}

// IsEmpty reports whether the query neither filters nor orders.
func (q *Query) IsEmpty() bool {
	return len(q.Terms) == 0 && len(q.OrderTerms) == 0
}

// IsAscending reports the direction of the first order term (true without one).
func (q *Query) IsAscending() bool {
	return len(q.OrderTerms) == 0 || q.OrderTerms[0].Ascending
}

// IsProjection reports whether results are reshaped by a [=...] clause.
func (q *Query) IsProjection() bool {
	return q.ResultType != ResultObjects
}

// ProjectValues evaluates the projection expressions against obj. Missing
// values are Undefined.
func (q *Query) ProjectValues(obj map[string]any, r Resolver) []any {
	out := make([]any, len(q.MapExpressions))
	for i, expr := range q.MapExpressions {
		out[i] = Project(obj, expr, r)
	}
	return out
}

// Types returns the sorted matched type names.
func (q *Query) Types() []string {
	types := make([]string, 0, len(q.MatchedTypes))
	for t := range q.MatchedTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolver loads referenced objects when evaluating -> hops.
type Resolver interface {
	LookupObject(uuid string) (map[string]any, bool)
}

type ResolverFunc func(uuid string) (map[string]any, bool)

func (f ResolverFunc) LookupObject(uuid string) (map[string]any, bool) { return f(uuid) }

// Match reports whether obj satisfies every OR-group of the query.
func (q *Query) Match(obj map[string]any, r Resolver) bool {
	if q.Failed() {
		return false
	}
	for i := range q.Terms {
		if !q.Terms[i].Match(obj, r) {
			return false
		}
	}
	return true
}

// Match reports whether any alternative matches.
func (ot *OrTerm) Match(obj map[string]any, r Resolver) bool {
	for i := range ot.Terms {
		if ot.Terms[i].Match(obj, r) {
			return true
		}
	}
	return false
}

// Match evaluates the term against obj, following join hops through r.
func (t *Term) Match(obj map[string]any, r Resolver) bool {
	target, ok := Dereference(obj, t.JoinPaths(), r)
	if !ok {
		return false
	}
	return t.MatchValue(ValueAt(target, t.PropertyName))
}

// Dereference follows each hop: the value at the hop path must be a uuid
// string resolvable through r.
func Dereference(obj map[string]any, hops []string, r Resolver) (map[string]any, bool) {
	for _, hop := range hops {
		id, ok := ValueAt(obj, hop).(string)
		if !ok || r == nil {
			return nil, false
		}
		obj, ok = r.LookupObject(id)
		if !ok {
			return nil, false
		}
	}
	return obj, true
}

// MatchValue applies the operator to a property value.
func (t *Term) MatchValue(v any) bool {
	switch t.Op {
	case OpEqual:
		return Equal(v, t.Value)
	case OpNotEqual, OpNotEqualAlt:
		return !Equal(v, t.Value)
	case OpRegexp:
		s, ok := v.(string)
		return ok && t.Regexp != nil && t.Regexp.MatchString(s)
	case OpNotRegexp:
		s, ok := v.(string)
		return !ok || t.Regexp == nil || !t.Regexp.MatchString(s)
	case OpLessEq:
		return LessThan(v, t.Value) || Equal(v, t.Value)
	case OpLess:
		return LessThan(v, t.Value)
	case OpGreaterEq:
		return GreaterThan(v, t.Value) || Equal(v, t.Value)
	case OpGreater:
		return GreaterThan(v, t.Value)
	case OpExists:
		return !IsUndefined(v)
	case OpNotExists:
		return IsUndefined(v)
	case OpIn:
		return arrayContains(t.Value, v)
	case OpNotIn:
		return !arrayContains(t.Value, v)
	case OpContains:
		return arrayContains(v, t.Value)
	case OpNotContains:
		return !arrayContains(v, t.Value)
	case OpStartsWith:
		s, ok1 := v.(string)
		prefix, ok2 := t.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	default:
		return false
	}
}

func arrayContains(arr, v any) bool {
	a, ok := arr.([]any)
	if !ok {
		return false
	}
	for _, e := range a {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// Project evaluates a projection expression (a property path with optional
// -> hops) against obj.
func Project(obj map[string]any, expr string, r Resolver) any {
	hops := strings.Split(expr, "->")
	target, ok := Dereference(obj, hops[:len(hops)-1], r)
	if !ok {
		return Undefined
	}
	return ValueAt(target, hops[len(hops)-1])
}

// Dump renders the parsed structure, one clause per line.
func (q *Query) Dump() string {
	var sb strings.Builder
	if q.Failed() {
		for _, e := range q.Explanation {
			fmt.Fprintf(&sb, "error: %s\n", e)
		}
		return sb.String()
	}
	for _, ot := range q.Terms {
		sb.WriteString("and:")
		for i, t := range ot.Terms {
			if i > 0 {
				sb.WriteString(" |")
			}
			sb.WriteByte(' ')
			if t.JoinField != "" {
				sb.WriteString(t.JoinField)
				sb.WriteString("->")
			}
			sb.WriteString(t.PropertyName)
			sb.WriteByte(' ')
			sb.WriteString(t.Op)
			switch {
			case t.Regexp != nil:
				fmt.Fprintf(&sb, " /%s/", t.Regexp.String())
			case !IsUndefined(t.Value):
				sb.WriteByte(' ')
				sb.WriteString(Format(t.Value))
			}
		}
		sb.WriteByte('\n')
	}
	for _, o := range q.OrderTerms {
		dir := "asc"
		if !o.Ascending {
			dir = "desc"
		}
		fmt.Fprintf(&sb, "order: %s %s\n", o.PropertyName, dir)
	}
	for i, expr := range q.MapExpressions {
		switch q.ResultType {
		case ResultMap:
			fmt.Fprintf(&sb, "map: %s <- %s\n", q.MapKeys[i], expr)
		case ResultList:
			fmt.Fprintf(&sb, "list: %s\n", expr)
		default:
			fmt.Fprintf(&sb, "value: %s\n", expr)
		}
	}
	if q.Aggregate != "" {
		fmt.Fprintf(&sb, "aggregate: %s\n", q.Aggregate)
	}
	if types := q.Types(); len(types) > 0 {
		fmt.Fprintf(&sb, "types: %s\n", strings.Join(types, ","))
	}
	return sb.String()
}
