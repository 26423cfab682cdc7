package jsondb

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/andreyvit/jsondb/query"
)

// QueryResult holds one page of matches. Object results, including
// [={...}] projections, are in Data; [=[...]] and [=expr] projections put
// their lists or bare values in Values instead. SortKeys parallel the results
// and order them the way the scan produced them; multi-partition merges use
// them.
type QueryResult struct {
	Data      []Object `json:"data"`
	Values    []any    `json:"-"`
	Length    int      `json:"length"`
	Offset    int      `json:"offset"`
	State     uint32   `json:"stateNumber"`
	IndexName string   `json:"indexName,omitempty"`
	SortKeys  [][]byte `json:"-"`
	Plan      string   `json:"-"`
}

// MarshalJSON reports Values as data when the query projects into lists or
// bare values.
func (r *QueryResult) MarshalJSON() ([]byte, error) {
	type plain QueryResult
	if r.Values == nil {
		return json.Marshal((*plain)(r))
	}
	return json.Marshal(struct {
		Data      []any  `json:"data"`
		Length    int    `json:"length"`
		Offset    int    `json:"offset"`
		State     uint32 `json:"stateNumber"`
		IndexName string `json:"indexName,omitempty"`
	}{r.Values, r.Length, r.Offset, r.State, r.IndexName})
}

func newQueryResult(q *query.Query, offset int) *QueryResult {
	r := &QueryResult{Offset: offset}
	if valueShaped(q) {
		r.Values = []any{}
	} else {
		r.Data = []Object{}
	}
	return r
}

func valueShaped(q *query.Query) bool {
	return q.Aggregate == "" && (q.ResultType == query.ResultList || q.ResultType == query.ResultValue)
}

// appendFrom copies the i-th result of src.
func (r *QueryResult) appendFrom(src *QueryResult, i int) {
	if src.Values != nil {
		r.Values = append(r.Values, src.Values[i])
	} else {
		r.Data = append(r.Data, src.Data[i])
	}
	r.SortKeys = append(r.SortKeys, src.SortKeys[i])
	r.Length++
}

type queryHit struct {
	obj     Object
	value   any
	sortKey []byte
}

// Query parses and runs a query. A negative limit means no limit.
func (p *Partition) Query(ctx context.Context, owner Owner, text string, bindings map[string]any, limit, offset int) (*QueryResult, error) {
	return p.Find(ctx, owner, query.Parse(text, bindings), limit, offset)
}

// Find runs a parsed query, updating the queried view and creating an index
// on demand first.
func (p *Partition) Find(ctx context.Context, owner Owner, q *query.Query, limit, offset int) (*QueryResult, error) {
	if err := checkPaging(limit, offset); err != nil {
		return nil, err
	}
	if q.Failed() {
		return nil, errorf(MissingQuery, "invalid query %q: %s", q.Text, strings.Join(q.Explanation, "; "))
	}
	start := time.Now()

	types := queryTypes(q)
	table, err := p.tableForTypes(types)
	if err != nil {
		return nil, err
	}
	if table != mainTable {
		if err := p.UpdateView(ctx, types[0]); err != nil {
			return nil, err
		}
	}
	if err := p.ensureQueryIndexes(ctx, table, q); err != nil {
		return nil, err
	}

	tx, err := p.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()

	var result *QueryResult
	err = safelyCall(func() error {
		plan := tx.compile(table, q)
		result = tx.execute(owner, plan, limit, offset)
		return nil
	})
	if err != nil {
		return nil, asDatabaseError(err, "query %q", q.Text)
	}
	result.State = tx.tableState(mainTable)
	p.e.metrics.query(p.name, result.IndexName, time.Since(start))
	if p.e.conf.Verbose {
		p.logger.Debug("jsondb: QUERY", "query", q.Text, "plan", result.Plan, "results", result.Length)
	}
	return result, nil
}

func checkPaging(limit, offset int) error {
	if limit < -1 {
		return errorf(InvalidLimit, "invalid limit %d", limit)
	}
	if offset < 0 {
		return errorf(InvalidOffset, "invalid offset %d", offset)
	}
	return nil
}

// execute walks the plan's cursor. Matches are counted after the read
// access check, and offset and limit apply to what remains.
func (tx *Txn) execute(owner Owner, plan *queryPlan, limit, offset int) *QueryResult {
	q := plan.q
	result := newQueryResult(q, offset)
	result.IndexName, result.Plan = plan.indexName(), plan.String()
	resolver := tx.resolver(plan.tableForJoins())
	counting := q.Aggregate == "count"
	buffered := plan.residualSort != nil || counting

	var hits []queryHit
	skipped := 0
	matched := 0
	emit := func(hit queryHit) bool {
		if !tx.p.e.conf.AccessControl.IsAllowed(owner, hit.obj, tx.p.name, "read") {
			return true
		}
		matched++
		if buffered {
			if !counting {
				hits = append(hits, hit)
			}
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		if limit >= 0 && len(hits) >= limit {
			return false
		}
		hits = append(hits, hit)
		return limit < 0 || len(hits) < limit
	}

	if !plan.rang.Empty() {
		if plan.idx != nil {
			tx.scanIndex(plan, resolver, emit)
		} else {
			tx.scanTable(plan, resolver, emit)
		}
	}

	if counting {
		n := max(matched-offset, 0)
		if limit >= 0 && n > limit {
			n = limit
		}
		result.Data = []Object{{"count": float64(n)}}
		result.Length = 1
		result.SortKeys = [][]byte{nil}
		return result
	}

	if plan.residualSort != nil {
		for i := range hits {
			hits[i].sortKey = sortKeyOf(query.Project(hits[i].obj, plan.residualSort.PropertyName, resolver))
		}
		asc := plan.residualSort.Ascending
		slices.SortStableFunc(hits, func(a, b queryHit) int {
			if asc {
				return bytes.Compare(a.sortKey, b.sortKey)
			}
			return bytes.Compare(b.sortKey, a.sortKey)
		})
		hits = hits[min(offset, len(hits)):]
		if limit >= 0 && len(hits) > limit {
			hits = hits[:limit]
		}
	}

	result.SortKeys = make([][]byte, 0, len(hits))
	for _, hit := range hits {
		if result.Values != nil {
			result.Values = append(result.Values, shapeValue(q, hit, resolver))
		} else {
			result.Data = append(result.Data, shapeResult(q, hit, plan.idx != nil, resolver))
		}
		result.SortKeys = append(result.SortKeys, hit.sortKey)
	}
	result.Length = len(hits)
	return result
}

func (plan *queryPlan) tableForJoins() string {
	if plan.table == mainTable {
		return ""
	}
	return plan.table
}

func shapeResult(q *query.Query, hit queryHit, indexed bool, r query.Resolver) Object {
	if q.ResultType == query.ResultMap {
		out := make(Object, len(q.MapKeys))
		for i, k := range q.MapKeys {
			if v := query.Project(hit.obj, q.MapExpressions[i], r); !query.IsUndefined(v) {
				out[k] = v
			}
		}
		return out
	}
	if indexed && !query.IsUndefined(hit.value) {
		out := make(Object, len(hit.obj)+1)
		for k, v := range hit.obj {
			out[k] = v
		}
		out[FieldIndexValue] = hit.value
		return out
	}
	return hit.obj
}

// shapeValue projects a hit into a list or a bare value. Missing properties
// become null so that list positions stay put.
func shapeValue(q *query.Query, hit queryHit, r query.Resolver) any {
	values := q.ProjectValues(hit.obj, r)
	for i, v := range values {
		if query.IsUndefined(v) {
			values[i] = nil
		}
	}
	if q.ResultType == query.ResultValue {
		return values[0]
	}
	return values
}

func matchAll(groups []query.OrTerm, obj Object, r query.Resolver) bool {
	for i := range groups {
		if !groups[i].Match(obj, r) {
			return false
		}
	}
	return true
}

func (tx *Txn) scanIndex(plan *queryPlan, r query.Resolver, emit func(queryHit) bool) {
	idx := plan.idx
	b := tx.bucket(plan.table, idx.bucket, false)
	if b == nil {
		return
	}
	rang := plan.rang
	rang.Reverse = plan.reverse
	c := rang.newCursor(b.Cursor())
	for c.Next() {
		fv, key, err := idx.enc.decodeForwardKey(c.Key())
		if err != nil {
			tx.p.logger.Warn("jsondb: skipping undecodable index key", "table", plan.table, "index", idx.name(), hexAttr("key", c.Key()), "err", err)
			continue
		}
		var recheck []query.OrTerm
		rejected := false
		for _, ot := range plan.constraints {
			if fv.Coerced || fv.Kind == KindUndefined {
				recheck = append(recheck, ot)
			} else if !ot.Terms[0].MatchValue(fv.Value()) {
				rejected = true
				break
			}
		}
		if rejected {
			continue
		}
		obj, err := tx.getObject(plan.table, key)
		if err != nil {
			tx.p.logger.Warn("jsondb: skipping undecodable object", "table", plan.table, "key", key, "err", err)
			continue
		}
		if !obj.Live() || !matchAll(recheck, obj, r) || !matchAll(plan.residual, obj, r) {
			continue
		}
		hit := queryHit{obj: obj, sortKey: bytes.Clone(valueOfForwardKey(c.Key()))}
		if fv.Collated != nil {
			hit.value = obj.Get(idx.path)
		} else {
			hit.value = fv.Value()
		}
		if !emit(hit) {
			return
		}
	}
}

func (tx *Txn) scanTable(plan *queryPlan, r query.Resolver, emit func(queryHit) bool) {
	data := tx.dataBucket(plan.table, false)
	if data == nil {
		return
	}
	rang := plan.rang
	rang.Reverse = plan.reverse
	c := rang.newCursor(data.Cursor())
	for c.Next() {
		key, ok := objectKeyFromBytes(c.Key())
		if !ok {
			continue
		}
		obj, err := decodeObject(c.Value())
		if err != nil {
			tx.p.logger.Warn("jsondb: skipping undecodable object", "table", plan.table, "key", key, "err", err)
			continue
		}
		if !obj.Live() || !matchAll(plan.residual, obj, r) {
			continue
		}
		if !emit(queryHit{obj: obj, value: query.Undefined, sortKey: bytes.Clone(key[:])}) {
			return
		}
	}
}

var sortKeyEncoder = newKeyEncoder(&IndexSpec{}, 0)

// sortKeyOf encodes a value so that byte order follows query.Compare for
// scalars: undefined, null, booleans, numbers, strings, arrays, objects.
func sortKeyOf(v any) []byte {
	if query.IsUndefined(v) {
		return []byte{0x00}
	}
	switch v.(type) {
	case nil:
		return []byte{0x01}
	case []any:
		return []byte{0x40}
	case map[string]any:
		return []byte{0x50}
	}
	fv, ok := makeFieldValue(v, PropertyTypeAny)
	if !ok {
		return []byte{0x00}
	}
	return sortKeyEncoder.appendValue(nil, &fv)
}
