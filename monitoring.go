package jsondb

import (
	"context"
	"strings"
)

// TableStats describes the storage of one table.
type TableStats struct {
	Table string
	State uint32

	Objects    int
	Tombstones int
	// JournalStates counts the committed states still in the journal.
	JournalStates int
	Snapshots     int
	IndexRows     int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (ts *TableStats) TotalSize() int64 {
	return ts.DataSize + ts.IndexSize
}

func (ts *TableStats) TotalAlloc() int64 {
	return ts.DataAlloc + ts.IndexAlloc
}

// PartitionStats is the result of Stat.
type PartitionStats struct {
	Partition string
	Ephemeral bool
	State     uint32
	Size      int64
	Tables    []TableStats
}

// Objects returns the live objects in every table.
func (ps *PartitionStats) Objects() int {
	var n int
	for _, ts := range ps.Tables {
		n += ts.Objects
	}
	return n
}

// Stat reports object counts and sizes of every table of the partition.
func (p *Partition) Stat(ctx context.Context) (*PartitionStats, error) {
	ps := &PartitionStats{Partition: p.name, Ephemeral: p.ephemeral}
	err := p.Tx(ctx, false, func(tx *Txn) error {
		ps.State = tx.tableState(mainTable)
		ps.Size = tx.stx.Size()
		for _, table := range tx.tables() {
			ts, err := tx.TableStats(table)
			if err != nil {
				return err
			}
			ps.Tables = append(ps.Tables, ts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// tables returns the main table followed by the view tables.
func (tx *Txn) tables() []string {
	var views []string
	ensure(tx.stx.ForEachRoot(func(name string) error {
		if strings.HasPrefix(name, viewTablePrefix) {
			views = append(views, name)
		}
		return nil
	}))
	result := []string{mainTable}
	if tx.metaBucket(mainTable, false) == nil {
		result = nil
	}
	return append(result, views...)
}

func (tx *Txn) TableStats(table string) (TableStats, error) {
	result := TableStats{Table: table, State: tx.tableState(table)}
	data := tx.dataBucket(table, false)
	if data == nil {
		return result, nil
	}
	bs := data.Stats()
	result.DataSize = bs.LeafInuse
	result.DataAlloc = bs.TotalAlloc()

	c := data.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		switch {
		case isStateKey(k):
			result.JournalStates++
		case len(k) == snapshotKeyLength:
			result.Snapshots++
		case len(k) == objectKeyLen:
			obj, err := decodeObject(v)
			if err != nil {
				return result, tableErrf(table, "", k, err, "decode")
			}
			if obj.Deleted() {
				result.Tombstones++
			} else {
				result.Objects++
			}
		}
	}

	for _, idx := range tx.indexes(table) {
		b := tx.bucket(table, idx.bucket, false)
		if b == nil {
			continue
		}
		bs := b.Stats()
		result.IndexRows += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
	}
	return result, nil
}
