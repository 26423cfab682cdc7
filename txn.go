package jsondb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Txn is a transaction scope over one partition. A write scope holds the
// partition's write lock and a single storage transaction; nested Begin
// calls return depth tokens, and only the outermost Commit or Abort acts.
type Txn struct {
	p        *Partition
	ctx      context.Context
	stx      storageTx
	writable bool
	depth    int
	failed   bool
	done     bool
	started  time.Time

	participants map[string]*pendingTable
	order        []string

	// objects read through joins and projections during this scope
	resolved map[string]Object

	// tables whose indexes were caught up by this scope
	prepared map[string]bool

	// View objects written by this scope
	pendingViews map[string]bool

	// committed state of the main table, or of the only participant
	state uint32
}

type pendingTable struct {
	changes map[ObjectKey]*pendingChange
	keys    []ObjectKey
}

type pendingChange struct {
	action Action
	prior  []byte
}

// committedTable describes what a commit wrote to one table. Prior and
// Current are the encoded rows around the change, nil when absent.
type committedTable struct {
	Table   string
	State   uint32
	Changes []committedChange
}

type committedChange struct {
	Key     ObjectKey
	Action  Action
	Prior   []byte
	Current []byte
}

func (p *Partition) beginRead(ctx context.Context) (*Txn, error) {
	stx, err := p.st.BeginTx(false)
	if err != nil {
		return nil, wrapErr(DatabaseError, err, "begin read")
	}
	return &Txn{p: p, ctx: ctx, stx: stx, depth: 1, started: time.Now()}, nil
}

// Begin opens a write scope. The caller must Commit or Abort it.
func (p *Partition) Begin(ctx context.Context) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.writeMu.Lock()
	stx, err := p.st.BeginTx(true)
	if err != nil {
		p.writeMu.Unlock()
		return nil, wrapErr(DatabaseError, err, "begin write")
	}
	return &Txn{
		p:            p,
		ctx:          ctx,
		stx:          stx,
		writable:     true,
		depth:        1,
		started:      time.Now(),
		participants: make(map[string]*pendingTable),
	}, nil
}

// Begin returns a nested token of the same scope.
func (tx *Txn) Begin() *Txn {
	if tx.done {
		panic("jsondb: Begin on a finished transaction")
	}
	tx.depth++
	return tx
}

func (tx *Txn) Partition() *Partition { return tx.p }

// StateNumber returns the state the scope committed, or 0 before a
// successful commit or when nothing was written.
func (tx *Txn) StateNumber() uint32 { return tx.state }

// Writable reports whether the scope can write.
func (tx *Txn) Writable() bool { return tx.writable }

func (tx *Txn) mustWrite() {
	if !tx.writable || tx.done {
		panic("jsondb: write outside of an open write transaction")
	}
}

// prepare brings the indexes of table up to date before the scope writes to
// it.
func (tx *Txn) prepare(table string) error {
	if tx.prepared[table] {
		return nil
	}
	tx.ensureTable(table)
	if err := tx.catchUpIndexes(table); err != nil {
		return err
	}
	if tx.prepared == nil {
		tx.prepared = make(map[string]bool)
	}
	tx.prepared[table] = true
	return nil
}

// touch makes table a participant of the scope, so that its state number
// moves to the commit target even when nothing else changes in it.
func (tx *Txn) touch(table string) *pendingTable {
	tx.mustWrite()
	pt := tx.participants[table]
	if pt == nil {
		pt = &pendingTable{changes: make(map[ObjectKey]*pendingChange)}
		tx.participants[table] = pt
		tx.order = append(tx.order, table)
	}
	return pt
}

// recordChange merges an action into the pending journal entry of key.
// prior is the stored row before the change, nil when there was none.
func (tx *Txn) recordChange(table string, key ObjectKey, action Action, prior []byte) {
	pt := tx.touch(table)
	pc := pt.changes[key]
	if pc == nil {
		pt.changes[key] = &pendingChange{action: action, prior: bytes.Clone(prior)}
		pt.keys = append(pt.keys, key)
		return
	}
	switch {
	case pc.action == ActionCreate && action == ActionDelete:
		delete(pt.changes, key)
		for i, k := range pt.keys {
			if k == key {
				pt.keys = append(pt.keys[:i], pt.keys[i+1:]...)
				break
			}
		}
	case pc.action == ActionCreate:
		// still a creation as far as the journal is concerned
	case pc.action == ActionDelete && action != ActionDelete:
		pc.action = ActionUpdate
	default:
		pc.action = action
	}
}

// Abort discards the scope. Inside a nested token it marks the whole scope
// as failed, so the outermost Commit aborts too.
func (tx *Txn) Abort() {
	if tx.done {
		return
	}
	tx.depth--
	if tx.depth > 0 {
		tx.failed = true
		return
	}
	tx.finish()
}

func (tx *Txn) finish() {
	tx.done = true
	if err := tx.stx.Rollback(); err != nil {
		tx.p.logger.Error("jsondb: rollback failed", "partition", tx.p.name, "err", err)
	}
	if tx.writable {
		tx.p.writeMu.Unlock()
	}
}

// Commit ends the scope. The outermost commit moves every participant table
// to one target state: explicitState if non-zero, else the single
// participant's state + 1, else the main table's state + 1.
func (tx *Txn) Commit(explicitState uint32) error {
	if tx.done {
		return errorf(DatabaseError, "transaction already finished")
	}
	tx.depth--
	if tx.depth > 0 {
		return nil
	}
	if !tx.writable {
		tx.finish()
		return nil
	}
	if tx.failed {
		tx.finish()
		return errorf(DatabaseError, "transaction aborted by a nested scope")
	}

	var committed []committedTable
	err := safelyCall(func() error {
		var err error
		committed, err = tx.applyStates(explicitState)
		return err
	})
	if err == nil {
		err = tx.stx.Commit()
	}
	if err != nil {
		tx.finish()
		tx.p.critical(tx.ctx, "commit failed", err, slog.Any("tables", tx.order))
		return asDatabaseError(err, "commit")
	}
	tx.done = true
	tx.p.writeMu.Unlock()

	tx.p.e.metrics.commit(tx.p.name, time.Since(tx.started))
	if len(committed) > 0 {
		tx.p.afterCommit(tx.ctx, committed)
	}
	return nil
}

func (tx *Txn) applyStates(explicit uint32) ([]committedTable, error) {
	if len(tx.order) == 0 {
		return nil, nil
	}
	target := explicit
	if target == 0 {
		if len(tx.order) == 1 {
			target = tx.tableState(tx.order[0]) + 1
		} else {
			target = tx.tableState(mainTable) + 1
		}
	}

	var committed []committedTable
	for _, table := range tx.order {
		pt := tx.participants[table]
		old := tx.tableState(table)
		if len(pt.keys) == 0 && old == target {
			continue
		}
		if target <= old {
			return nil, tableErrf(table, "", nil, nil, "commit target %d does not advance state %d", target, old)
		}

		data := tx.dataBucket(table, true)
		var journal []byte
		changes := make([]committedChange, 0, len(pt.keys))
		for _, key := range pt.keys {
			pc := pt.changes[key]
			journal = appendJournalEntry(journal, key, pc.action)
			if pc.prior != nil {
				ensure(data.Put(snapshotKey(target, key), pc.prior))
			}
			changes = append(changes, committedChange{key, pc.action, pc.prior, bytes.Clone(data.Get(key[:]))})
		}
		if len(journal) > 0 {
			ensure(data.Put(stateKey(target), journal))
		}
		tx.setTableState(table, target)
		tx.bumpIndexTags(table, old, target)

		if tx.p.e.conf.Verbose {
			tx.p.logger.Debug(fmt.Sprintf("jsondb: COMMIT %s => state %d", table, target), "changes", len(changes))
		}
		if table == mainTable || tx.state == 0 {
			tx.state = target
		}
		committed = append(committed, committedTable{table, target, changes})
	}
	return committed, nil
}
