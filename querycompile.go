package jsondb

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/jsondb/query"
)

// queryPlan is the compiled form of a query against one table.
type queryPlan struct {
	table string
	q     *query.Query
	types []string

	// idx drives the scan; nil scans the table by uuid.
	idx  *index
	rang RawRange

	// constraints are single-term groups on the driving property, tested on
	// the decoded key when it holds the document's own value.
	constraints []query.OrTerm
	residual    []query.OrTerm

	// sorted is set when cursor order satisfies the first order term.
	sorted       bool
	residualSort *query.OrderTerm
	reverse      bool
	// ignoredOrder are the order terms after the first one
	ignoredOrder []query.OrderTerm
}

func (plan *queryPlan) indexName() string {
	if plan.idx == nil {
		return query.UUIDField
	}
	return plan.idx.name()
}

func (plan *queryPlan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s via %s", plan.table, plan.indexName())
	if plan.rang.Lower != nil || plan.rang.Upper != nil {
		fmt.Fprintf(&sb, " [%s, %s)", hexstr(plan.rang.Lower), hexstr(plan.rang.Upper))
	}
	if plan.reverse {
		sb.WriteString(" reversed")
	}
	if len(plan.constraints) > 0 {
		fmt.Fprintf(&sb, ", %d constraints", len(plan.constraints))
	}
	if len(plan.residual) > 0 {
		fmt.Fprintf(&sb, ", %d residual", len(plan.residual))
	}
	if plan.residualSort != nil {
		fmt.Fprintf(&sb, ", sort by %s", plan.residualSort.PropertyName)
	}
	for _, o := range plan.ignoredOrder {
		fmt.Fprintf(&sb, ", ignoring order by %s", o.PropertyName)
	}
	return sb.String()
}

// queryTypes returns the types a query is limited to by its first
// single-term _type group, or nil.
func queryTypes(q *query.Query) []string {
	for _, ot := range q.Terms {
		if len(ot.Terms) != 1 {
			continue
		}
		t := &ot.Terms[0]
		if t.PropertyName != query.TypeField || t.JoinField != "" {
			continue
		}
		switch t.Op {
		case query.OpEqual:
			if s, ok := t.Value.(string); ok {
				return []string{s}
			}
		case query.OpIn:
			arr, _ := t.Value.([]any)
			var types []string
			for _, v := range arr {
				s, ok := v.(string)
				if !ok {
					return nil
				}
				types = append(types, s)
			}
			slices.Sort(types)
			return slices.Compact(types)
		}
	}
	return nil
}

func singleTerm(ot *query.OrTerm) *query.Term {
	if len(ot.Terms) != 1 || ot.Terms[0].JoinField != "" {
		return nil
	}
	return &ot.Terms[0]
}

// indexCandidate reports whether an index may be created for a property on
// demand.
func indexCandidate(prop string) bool {
	switch prop {
	case "", query.TypeField, query.UUIDField:
		return false
	}
	return !strings.Contains(prop, "->") && !strings.Contains(prop, "*")
}

// decodable reports whether forward keys of idx carry the indexed value.
func (idx *index) decodable() bool {
	return idx.fn == nil && !idx.multi && !idx.spec.isCollated()
}

// pushable reports whether ranges can be derived from terms on idx.
func (idx *index) pushable() bool {
	return idx.decodable() && idx.spec.PropertyType != PropertyTypeInteger
}

func (idx *index) compatible(v any) bool {
	switch idx.spec.PropertyType {
	case PropertyTypeString:
		_, ok := v.(string)
		return ok
	case PropertyTypeNumber:
		_, ok := v.(float64)
		return ok
	case PropertyTypeAny:
		return valueKind(v) != KindUndefined
	}
	return false
}

// termRange returns the [lower, upper) key range holding every entry that
// may satisfy t.
func (idx *index) termRange(t *query.Term) (lower, upper []byte, ok bool) {
	if !idx.pushable() {
		return nil, nil, false
	}
	prefix := func(v any) []byte {
		if !idx.compatible(v) {
			return nil
		}
		p, _ := idx.valuePrefix(v)
		return p
	}
	switch t.Op {
	case query.OpEqual:
		if p := prefix(t.Value); p != nil {
			return p, incCopy(p), true
		}
	case query.OpIn:
		arr, isArr := t.Value.([]any)
		if !isArr {
			return nil, nil, false
		}
		if len(arr) == 0 {
			return []byte{0}, []byte{0}, true
		}
		for _, v := range arr {
			p := prefix(v)
			if p == nil {
				return nil, nil, false
			}
			if lower == nil || bytes.Compare(p, lower) < 0 {
				lower = p
			}
			if upper == nil || bytes.Compare(p, upper) > 0 {
				upper = p
			}
		}
		return lower, incCopy(upper), true
	case query.OpLess, query.OpLessEq:
		if p := prefix(t.Value); p != nil {
			return []byte{p[0]}, incCopy(p), true
		}
	case query.OpGreater, query.OpGreaterEq:
		if p := prefix(t.Value); p != nil {
			return p, []byte{p[0] + 1}, true
		}
	case query.OpStartsWith, query.OpRegexp:
		var s string
		if t.Op == query.OpStartsWith {
			v, isString := t.Value.(string)
			if !isString {
				return nil, nil, false
			}
			s = v
		} else {
			s = t.RegexpPrefix()
		}
		if s == "" || idx.spec.PropertyType == PropertyTypeNumber {
			return nil, nil, false
		}
		p := idx.enc.appendStringPrefix(nil, s)
		return p, incCopy(p), true
	}
	return nil, nil, false
}

// findIndex returns an up-to-date index usable to scan objects of the given
// types by a property.
func (tx *Txn) findIndex(table, prop string, types []string) *index {
	state := tx.tableState(table)
	var found *index
	for _, idx := range tx.indexes(table) {
		if idx.spec.PropertyName != prop || idx.fn != nil || idx.multi || !idx.spec.covers(types) {
			continue
		}
		if tx.indexTag(table, idx.name()) != state {
			continue
		}
		if found == nil || idx.name() == prop {
			found = idx
		}
	}
	return found
}

// compile chooses the driving index: the first order term's, else one
// narrowing a filter term, else _uuid equality, else _type, else a scan.
func (tx *Txn) compile(table string, q *query.Query) *queryPlan {
	plan := &queryPlan{table: table, q: q, types: queryTypes(q)}

	if len(q.OrderTerms) > 1 {
		plan.ignoredOrder = q.OrderTerms[1:]
		if _, seen := tx.p.sortWarned.LoadOrStore(q.Text, true); !seen {
			tx.p.logger.Error("jsondb: sorting by more than one property is not supported, ordering by the first one", "query", q.Text)
		}
	}
	var order *query.OrderTerm
	if len(q.OrderTerms) > 0 {
		order = &q.OrderTerms[0]
	}

	if order != nil {
		if order.PropertyName == query.UUIDField {
			plan.sorted = true
		} else if idx := tx.findIndex(table, order.PropertyName, plan.types); idx != nil {
			plan.idx = idx
			plan.sorted = true
		}
	}

	if plan.idx == nil && !plan.sorted {
		for i := range q.Terms {
			t := singleTerm(&q.Terms[i])
			if t == nil || t.PropertyName == query.TypeField || t.PropertyName == query.UUIDField {
				continue
			}
			idx := tx.findIndex(table, t.PropertyName, plan.types)
			if idx == nil {
				continue
			}
			if _, _, ok := idx.termRange(t); ok {
				plan.idx = idx
				break
			}
		}
	}

	if plan.idx == nil && !plan.sorted {
		for i := range q.Terms {
			t := singleTerm(&q.Terms[i])
			if t != nil && t.PropertyName == query.UUIDField && t.Op == query.OpEqual {
				if s, ok := t.Value.(string); ok {
					key, err := ParseObjectKey(s)
					if err != nil {
						plan.rang = RawIE([]byte{0}, []byte{0})
					} else {
						plan.rang = RawIE(key[:], incCopy(key[:]))
					}
					break
				}
			}
		}
	}

	if plan.idx == nil && !plan.sorted && plan.rang.Lower == nil && plan.types != nil {
		plan.idx = tx.index(table, typeIndexName)
	}

	if plan.idx != nil {
		prop := plan.idx.spec.PropertyName
		for i := range q.Terms {
			ot := q.Terms[i]
			t := singleTerm(&ot)
			if t == nil || t.PropertyName != prop || !plan.idx.decodable() {
				plan.residual = append(plan.residual, ot)
				continue
			}
			if lower, upper, ok := plan.idx.termRange(t); ok {
				plan.rang = plan.rang.Intersect(lower, upper)
			}
			plan.constraints = append(plan.constraints, ot)
		}
	} else {
		plan.residual = q.Terms
	}

	if order != nil {
		if plan.sorted {
			plan.reverse = !order.Ascending
		} else {
			plan.residualSort = order
		}
	}
	return plan
}

// ensureQueryIndexes creates the index a query would like to be driven by,
// and catches up indexes behind their table.
func (p *Partition) ensureQueryIndexes(ctx context.Context, table string, q *query.Query) error {
	types := queryTypes(q)
	var prop string
	if len(q.OrderTerms) > 0 {
		prop = q.OrderTerms[0].PropertyName
	} else {
		for i := range q.Terms {
			t := singleTerm(&q.Terms[i])
			if t == nil || !indexCandidate(t.PropertyName) {
				continue
			}
			probe := compileIndex(IndexSpec{PropertyType: PropertyTypeAny}, p.e.conf.IndexFieldValueSize, nil)
			if _, _, ok := probe.termRange(t); ok {
				prop = t.PropertyName
				break
			}
		}
	}
	if !indexCandidate(prop) {
		prop = ""
	}

	needed := func(tx *Txn) (create, catchUp bool) {
		if tx.dataBucket(table, false) == nil {
			return false, false
		}
		catchUp = tx.indexesBehind(table)
		if prop != "" && tx.index(table, prop) == nil && tx.findIndex(table, prop, types) == nil {
			create = true
		}
		return create, catchUp
	}

	rtx, err := p.beginRead(ctx)
	if err != nil {
		return err
	}
	create, catchUp := needed(rtx)
	rtx.Abort()
	if !create && !catchUp {
		return nil
	}

	return p.Tx(ctx, true, func(tx *Txn) error {
		create, catchUp := needed(tx)
		if catchUp {
			if err := tx.catchUpIndexes(table); err != nil {
				return err
			}
		}
		if create {
			if _, err := tx.addIndex(table, IndexSpec{Name: prop, PropertyName: prop, PropertyType: PropertyTypeAny}); err != nil {
				return err
			}
			p.e.metrics.indexCreated(p.name)
			p.logger.Debug("jsondb: created index on demand", "table", table, "property", prop)
		}
		return nil
	})
}
