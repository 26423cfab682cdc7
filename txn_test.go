package jsondb

import (
	"context"
	"testing"
)

func TestTxNestedCommit(t *testing.T) {
	ctx := context.Background()
	p := setup(t)

	tx := must(p.Begin(ctx))
	must(tx.Write(Owner{}, Object{"_type": "Person", "name": "A"}, OptimisticWrite))
	inner := tx.Begin()
	must(inner.Write(Owner{}, Object{"_type": "Person", "name": "B"}, OptimisticWrite))
	ensure(inner.Commit(0))
	deepEqual(t, tx.StateNumber(), uint32(0))
	ensure(tx.Commit(0))

	deepEqual(t, tx.StateNumber(), uint32(1))
	deepEqual(t, stateOf(t, p), uint32(1))
	deepEqual(t, find(t, p, `[?_type="Person"]`).Length, 2)
}

func TestTxNestedAbortFailsOuter(t *testing.T) {
	ctx := context.Background()
	p := setup(t)

	tx := must(p.Begin(ctx))
	must(tx.Write(Owner{}, Object{"_type": "Person", "name": "A"}, OptimisticWrite))
	inner := tx.Begin()
	inner.Abort()
	err := tx.Commit(0)
	codeIs(t, err, DatabaseError)

	deepEqual(t, stateOf(t, p), uint32(0))
	deepEqual(t, find(t, p, `[?_type="Person"]`).Length, 0)

	// the write lock was released
	create(t, p, Object{"_type": "Person", "name": "B"})
	deepEqual(t, stateOf(t, p), uint32(1))
}

func TestTxAbortDiscards(t *testing.T) {
	ctx := context.Background()
	p := setup(t)

	tx := must(p.Begin(ctx))
	must(tx.Write(Owner{}, Object{"_type": "Person", "name": "A"}, OptimisticWrite))
	tx.Abort()
	tx.Abort()
	codeIs(t, tx.Commit(0), DatabaseError)
	deepEqual(t, stateOf(t, p), uint32(0))
}

func TestTxExplicitState(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	create(t, p, Object{"_type": "Person", "name": "A"})

	tx := must(p.Begin(ctx))
	must(tx.Write(Owner{}, Object{"_type": "Person", "name": "B"}, OptimisticWrite))
	ensure(tx.Commit(7))
	deepEqual(t, stateOf(t, p), uint32(7))

	// a target that does not advance the state fails the commit
	tx = must(p.Begin(ctx))
	must(tx.Write(Owner{}, Object{"_type": "Person", "name": "C"}, OptimisticWrite))
	codeIs(t, tx.Commit(7), DatabaseError)
	deepEqual(t, stateOf(t, p), uint32(7))
	deepEqual(t, find(t, p, `[?_type="Person"]`).Length, 2)

	res := must(p.ChangesSince(ctx, 1, ChangesOptions{}))
	deepEqual(t, len(res.Changes), 1)
	deepEqual(t, res.Changes[0].After["name"], any("B"))
}

func TestTxCollapsesChangesWithinScope(t *testing.T) {
	ctx := context.Background()
	p := setup(t)

	tx := must(p.Begin(ctx))
	w := must(tx.Write(Owner{}, Object{"_type": "Person", "name": "A"}, OptimisticWrite))
	must(tx.Write(Owner{}, Object{"_uuid": w.UUID, "_deleted": true}, OptimisticWrite))
	ensure(tx.Commit(0))

	// created and removed within one scope: the journal has nothing to report
	deepEqual(t, stateOf(t, p), uint32(1))
	res := must(p.ChangesSince(ctx, 0, ChangesOptions{}))
	isempty(t, res.Changes)
	_, err := p.Get(ctx, w.UUID)
	codeIs(t, err, MissingObject)
}

func TestTxWriteAfterFinishPanics(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	tx := must(p.Begin(ctx))
	ensure(tx.Commit(0))
	assertPanics(t, func() {
		tx.Write(Owner{}, Object{"_type": "Person"}, OptimisticWrite)
	})
	assertPanics(t, func() {
		tx.Begin()
	})
}

func TestTxReadScope(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	id := create(t, p, Object{"_type": "Person", "name": "A"})[0].UUID

	err := p.Tx(ctx, false, func(tx *Txn) error {
		if tx.Writable() {
			t.Errorf("** read scope is writable")
		}
		obj := must(tx.Get(must(ParseObjectKey(id))))
		deepEqual(t, obj["name"], any("A"))
		return nil
	})
	ensure(err)
}
