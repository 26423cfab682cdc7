package jsondb

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Every table is a root bucket holding a "data" bucket (object rows keyed by
// ObjectKey, interleaved with journal keys), a "meta" bucket and one bucket
// per index.
const (
	mainTable       = "main"
	viewTablePrefix = "view:"

	dataBucket        = "data"
	metaBucket        = "meta"
	indexBucketPrefix = "i:"

	metaStateKey         = "state"
	metaIndexPrefix      = "index:"
	metaIndexStatePrefix = "istate:"
)

func viewTableName(typ string) string {
	return viewTablePrefix + typ
}

func (tx *Txn) bucket(table, sub string, create bool) storageBucket {
	b := tx.stx.Bucket(table, sub)
	if b == nil && create {
		tx.mustWrite()
		b = must(tx.stx.CreateBucket(table, sub))
	}
	return b
}

func (tx *Txn) dataBucket(table string, create bool) storageBucket {
	return tx.bucket(table, dataBucket, create)
}

func (tx *Txn) metaBucket(table string, create bool) storageBucket {
	return tx.bucket(table, metaBucket, create)
}

func getUint32(b storageBucket, key string) uint32 {
	if b == nil {
		return 0
	}
	v := b.Get(unsafeBytesFromString(key))
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func putUint32(b storageBucket, key string, v uint32) {
	ensure(b.Put([]byte(key), binary.BigEndian.AppendUint32(nil, v)))
}

// tableState returns the last committed state number of a table.
func (tx *Txn) tableState(table string) uint32 {
	return getUint32(tx.metaBucket(table, false), metaStateKey)
}

func (tx *Txn) setTableState(table string, state uint32) {
	putUint32(tx.metaBucket(table, true), metaStateKey, state)
}

func (tx *Txn) getRaw(table string, key ObjectKey) []byte {
	data := tx.dataBucket(table, false)
	if data == nil {
		return nil
	}
	return data.Get(key[:])
}

// getObject returns the stored row, tombstones included, or nil.
func (tx *Txn) getObject(table string, key ObjectKey) (Object, error) {
	raw := tx.getRaw(table, key)
	if raw == nil {
		return nil, nil
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, tableErrf(table, "", key[:], err, "decode")
	}
	return obj, nil
}

// storeObject writes obj over the current row of key (old, encoded as
// oldRaw, both nil when there is none), then updates the journal and the
// up-to-date indexes of the table.
func (tx *Txn) storeObject(table string, key ObjectKey, old Object, oldRaw []byte, obj Object) {
	tx.mustWrite()
	action := ActionCreate
	switch {
	case obj.Deleted():
		action = ActionDelete
	case oldRaw != nil:
		action = ActionUpdate
	}

	raw := encodeObject(obj)
	ensure(tx.dataBucket(table, true).Put(key[:], raw))
	tx.recordChange(table, key, action, oldRaw)

	state := tx.tableState(table)
	for _, idx := range tx.indexes(table) {
		if tx.indexTag(table, idx.spec.Name) != state {
			continue
		}
		tx.reindexObject(table, idx, key, old, obj)
	}

	if tx.p.e.conf.Verbose {
		tx.p.logger.Debug(fmt.Sprintf("jsondb: PUT %s/%v (%v)", table, key, action), "version", obj.Version())
	}
}

// scanObjects calls fn with every object row of a table in key order,
// tombstones included.
func (tx *Txn) scanObjects(table string, fn func(key ObjectKey, raw []byte) error) error {
	data := tx.dataBucket(table, false)
	if data == nil {
		return nil
	}
	c := data.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		key, ok := objectKeyFromBytes(k)
		if !ok {
			continue
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return nil
}

// Change is one collapsed entry of changesSince. Before is nil for creations
// and After is nil for removals.
type Change struct {
	UUID   string
	Action Action
	Before Object
	After  Object
}

type ChangesResult struct {
	StartingStateNumber uint32
	CurrentStateNumber  uint32
	Changes             []Change
}

type changesOptions struct {
	Types map[string]bool
	// SplitTypeChanges turns a change whose type moves in or out of Types
	// into a removal or a creation.
	SplitTypeChanges bool
}

// changesSince collapses the journal entries after state since into one
// change per object. before is the snapshot preceding the first entry in the
// window and after is the current row; tombstones count as absent.
func (tx *Txn) changesSince(table string, since uint32, opt changesOptions) (*ChangesResult, error) {
	current := tx.tableState(table)
	result := &ChangesResult{StartingStateNumber: since, CurrentStateNumber: current}
	data := tx.dataBucket(table, false)
	if data == nil || since >= current {
		return result, nil
	}

	var keys []ObjectKey
	priors := make(map[ObjectKey][]byte)

	c := data.Cursor()
	n := since + 1
	for n <= current {
		k, v := c.Seek(stateKey(n))
		if k == nil || len(k) < 4 {
			break
		}
		x := binary.BigEndian.Uint32(k)
		if !isStateKey(k) {
			if x == n {
				n++
			} else {
				n = x
			}
			continue
		}
		if x > current {
			break
		}
		entries, err := decodeJournal(v)
		if err != nil {
			return nil, tableErrf(table, "", k, err, "journal")
		}
		for _, e := range entries {
			if _, seen := priors[e.Key]; seen {
				continue
			}
			var prior []byte
			if e.Action != ActionCreate {
				prior = data.Get(snapshotKey(x, e.Key))
			}
			priors[e.Key] = prior
			keys = append(keys, e.Key)
		}
		n = x + 1
	}

	for _, key := range keys {
		var before, after Object
		if raw := priors[key]; raw != nil {
			o, err := decodeObject(raw)
			if err != nil {
				return nil, tableErrf(table, "", key[:], err, "decode snapshot")
			}
			if o.Live() {
				before = o
			}
		}
		o, err := tx.getObject(table, key)
		if err != nil {
			return nil, err
		}
		if o.Live() {
			after = o
		}
		if before == nil && after == nil {
			continue
		}

		if opt.Types != nil {
			bin := before != nil && opt.Types[before.Type()]
			ain := after != nil && opt.Types[after.Type()]
			if !bin && !ain {
				continue
			}
			if opt.SplitTypeChanges {
				if bin && !ain {
					after = nil
				} else if ain && !bin {
					before = nil
				}
			}
		}

		ch := Change{UUID: key.String(), Before: before, After: after}
		switch {
		case before == nil:
			ch.Action = ActionCreate
		case after == nil:
			ch.Action = ActionDelete
		default:
			ch.Action = ActionUpdate
		}
		result.Changes = append(result.Changes, ch)
	}
	return result, nil
}

// tableForType returns the table objects of a type are stored in.
func (p *Partition) tableForType(typ string) string {
	if p.isViewType(typ) {
		return viewTableName(typ)
	}
	return mainTable
}

// tableForTypes requires all types to live in one table.
func (p *Partition) tableForTypes(types []string) (string, error) {
	table := mainTable
	for i, typ := range types {
		t := p.tableForType(typ)
		if i > 0 && t != table {
			return "", errorf(InvalidRequest, "types %s are stored in different tables", strings.Join(types, ", "))
		}
		table = t
	}
	return table, nil
}
