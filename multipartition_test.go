package jsondb

import (
	"context"
	"testing"
)

func setupPartitions(t *testing.T, names ...string) *Engine {
	e := New(Config{IsTesting: true})
	t.Cleanup(func() { e.Close() })
	for _, name := range names {
		p := must(e.OpenPartition(context.Background(), name, ""))
		deepEqual(t, p.Ephemeral(), true)
	}
	return e
}

func TestQueryPartitionsMergesInOrder(t *testing.T) {
	ctx := context.Background()
	e := setupPartitions(t, "a", "b")
	a, b := must(e.Partition("a")), must(e.Partition("b"))
	create(t, a, Object{"_type": "Person", "name": "Alice"}, Object{"_type": "Person", "name": "Dave"})
	create(t, b, Object{"_type": "Person", "name": "Bob"}, Object{"_type": "Person", "name": "Carol"}, Object{"_type": "Person", "name": "Eve"})

	r := must(e.QueryPartitions(ctx, Owner{}, nil, `[?_type="Person"][/name]`, nil, -1, 0))
	deepEqual(t, strs(r, "name"), []string{"Alice", "Bob", "Carol", "Dave", "Eve"})
	deepEqual(t, r.Length, 5)

	r = must(e.QueryPartitions(ctx, Owner{}, []string{"b", "a"}, `[?_type="Person"][\name]`, nil, 2, 1))
	deepEqual(t, strs(r, "name"), []string{"Dave", "Carol"})
	deepEqual(t, r.Offset, 1)

	r = must(e.QueryPartitions(ctx, Owner{}, nil, `[?_type="Person"][count]`, nil, -1, 0))
	deepEqual(t, r.Data, []Object{{"count": 5.0}})

	r = must(e.QueryPartitions(ctx, Owner{}, []string{"a"}, `[?_type="Person"][/name]`, nil, -1, 0))
	deepEqual(t, strs(r, "name"), []string{"Alice", "Dave"})
	deepEqual(t, r.State, uint32(1))
}

func TestQueryPartitionsErrors(t *testing.T) {
	ctx := context.Background()
	e := setupPartitions(t, "a")

	_, err := e.QueryPartitions(ctx, Owner{}, []string{"a", "zzz"}, `[?_type="Person"]`, nil, -1, 0)
	codeIs(t, err, PartitionUnavailable)
	_, err = e.QueryPartitions(ctx, Owner{}, nil, `[?_type=`, nil, -1, 0)
	codeIs(t, err, MissingQuery)
	_, err = e.QueryPartitions(ctx, Owner{}, nil, `[?_type="Person"]`, nil, -2, 0)
	codeIs(t, err, InvalidLimit)
	_, err = e.QueryPartitions(ctx, Owner{}, nil, `[?_type="Person"]`, nil, -1, -1)
	codeIs(t, err, InvalidOffset)
}

func TestEphemeralPartitionIsIsolated(t *testing.T) {
	ctx := context.Background()
	e := setupPartitions(t, "a", "b")
	a := must(e.Partition("a"))
	create(t, a, Object{"_type": "Person", "name": "Alice"})
	deepEqual(t, find(t, must(e.Partition("b")), `[?_type="Person"]`).Length, 0)

	ensure(e.ClosePartition("a"))
	codeIs(t, e.ClosePartition("a"), PartitionUnavailable)

	// reopening an ephemeral partition starts empty
	a = must(e.OpenPartition(ctx, "a", ""))
	deepEqual(t, stateOf(t, a), uint32(0))
	deepEqual(t, a.Path(), "")
}

func TestQueryPartitionsMergesValues(t *testing.T) {
	ctx := context.Background()
	e := setupPartitions(t, "a", "b")
	create(t, must(e.Partition("a")), Object{"_type": "Person", "name": "Alice"}, Object{"_type": "Person", "name": "Carol"})
	create(t, must(e.Partition("b")), Object{"_type": "Person", "name": "Bob"})

	r := must(e.QueryPartitions(ctx, Owner{}, []string{"a", "b"}, `[?_type="Person"][/name][=name]`, nil, 2, 0))
	deepEqual(t, r.Values, []any{"Alice", "Bob"})
	deepEqual(t, r.Length, 2)
	isempty(t, r.Data)
}
