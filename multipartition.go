package jsondb

import (
	"bytes"
	"container/heap"
	"context"
	"strings"

	"github.com/andreyvit/jsondb/query"
)

// QueryPartitions runs a query on several partitions and merges the results
// by their sort keys, so the combined order matches querying the union.
// Offset and limit apply to the merged sequence.
func (e *Engine) QueryPartitions(ctx context.Context, owner Owner, names []string, text string, bindings map[string]any, limit, offset int) (*QueryResult, error) {
	if err := checkPaging(limit, offset); err != nil {
		return nil, err
	}
	q := query.Parse(text, bindings)
	if q.Failed() {
		return nil, errorf(MissingQuery, "invalid query %q: %s", q.Text, strings.Join(q.Explanation, "; "))
	}
	if len(names) == 0 {
		names = e.Partitions()
	}

	perLimit := -1
	if limit >= 0 {
		perLimit = offset + limit
	}
	counting := q.Aggregate == "count"
	if counting {
		perLimit = -1
	}

	results := make([]*QueryResult, 0, len(names))
	var state uint32
	for _, name := range names {
		p, err := e.Partition(name)
		if err != nil {
			return nil, err
		}
		r, err := p.Find(ctx, owner, q, perLimit, 0)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		state = max(state, r.State)
	}

	merged := newQueryResult(q, offset)
	merged.State = state
	if len(results) > 0 {
		merged.IndexName = results[0].IndexName
	}

	if counting {
		var total int
		for _, r := range results {
			total += int(r.Data[0]["count"].(float64))
		}
		n := max(total-offset, 0)
		if limit >= 0 && n > limit {
			n = limit
		}
		merged.Data = []Object{{"count": float64(n)}}
		merged.SortKeys = [][]byte{nil}
		merged.Length = 1
		return merged, nil
	}

	h := &mergeHeap{ascending: q.IsAscending()}
	for i, r := range results {
		if len(r.SortKeys) > 0 {
			h.heads = append(h.heads, mergeHead{result: r, partition: i})
		}
	}
	heap.Init(h)
	skipped := 0
	for h.Len() > 0 && (limit < 0 || merged.Length < limit) {
		head := &h.heads[0]
		r, pos := head.result, head.pos
		head.pos++
		if head.pos == len(r.SortKeys) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
		if skipped < offset {
			skipped++
			continue
		}
		merged.appendFrom(r, pos)
	}
	return merged, nil
}

type mergeHead struct {
	result    *QueryResult
	pos       int
	partition int
}

// mergeHeap keeps the partition whose next result comes first on top; ties
// go to the earlier partition.
type mergeHeap struct {
	heads     []mergeHead
	ascending bool
}

func (h *mergeHeap) Len() int { return len(h.heads) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := &h.heads[i], &h.heads[j]
	cmp := bytes.Compare(a.result.SortKeys[a.pos], b.result.SortKeys[b.pos])
	if !h.ascending {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.partition < b.partition
}

func (h *mergeHeap) Swap(i, j int) { h.heads[i], h.heads[j] = h.heads[j], h.heads[i] }

func (h *mergeHeap) Push(x any) { h.heads = append(h.heads, x.(mergeHead)) }

func (h *mergeHeap) Pop() any {
	n := len(h.heads)
	x := h.heads[n-1]
	h.heads = h.heads[:n-1]
	return x
}
