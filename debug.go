package jsondb

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/jsondb/query"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows
	DumpJournal

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the partition contents for debugging and tests.
func (p *Partition) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var s string
	err := p.Tx(ctx, false, func(tx *Txn) error {
		s = tx.Dump(f)
		return nil
	})
	return s, err
}

func (tx *Txn) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, table := range tx.tables() {
		tx.dumpTable(&buf, f, table)
	}
	return buf.String()
}

func (tx *Txn) dumpTable(w *strings.Builder, f DumpFlags, table string) {
	s := must(tx.TableStats(table))

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s @%d (%d objects, %d tombstones)\n", table, s.State, s.Objects, s.Tombstones)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: journal = %d, index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", table, s.JournalStates, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	data := tx.dataBucket(table, false)
	if data != nil && (f.Contains(DumpRows) || f.Contains(DumpJournal)) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		c := data.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			switch {
			case len(k) == objectKeyLen && f.Contains(DumpRows):
				tx.dumpRow(w, table, k, v)
			case isStateKey(k) && f.Contains(DumpJournal):
				tx.dumpJournal(w, table, k, v)
			}
		}
	}

	if f.Contains(DumpIndices) {
		for _, idx := range tx.indexes(table) {
			tx.dumpIndex(w, f, table, idx)
		}
	}
}

func (tx *Txn) dumpRow(w *strings.Builder, table string, k, v []byte) {
	key, _ := objectKeyFromBytes(k)
	obj, err := decodeObject(v)
	if err != nil {
		fmt.Fprintf(w, "%s/%v ** ERROR: %v\n", table, key, err)
		return
	}
	fmt.Fprintf(w, "%s/%v = %s\n", table, key, obj.String())
}

func (tx *Txn) dumpJournal(w *strings.Builder, table string, k, v []byte) {
	entries, err := decodeJournal(v)
	if err != nil {
		fmt.Fprintf(w, "%s@%s ** ERROR: %v\n", table, hexstr(k), err)
		return
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%v %v", e.Action, e.Key)
	}
	fmt.Fprintf(w, "%s@%s: %s\n", table, hexstr(k[:4]), strings.Join(parts, ", "))
}

func (tx *Txn) dumpIndex(w *strings.Builder, f DumpFlags, table string, idx *index) {
	fmt.Fprintln(w, dumpSep2)
	prefix := table + ".i." + idx.name()
	pending := ""
	if tx.indexTag(table, idx.name()) < tx.tableState(table) {
		pending = " PENDING"
	}
	fmt.Fprintf(w, "%s (%s)%s\n", prefix, idx.spec.PropertyType, pending)

	if !f.Contains(DumpIndexRows) {
		return
	}
	b := tx.bucket(table, idx.bucket, false)
	if b == nil {
		return
	}
	c := b.Cursor()
	var rowPos int
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		rowPos++
		fv, key, err := idx.enc.decodeForwardKey(k)
		if err != nil {
			fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, rowPos, err)
			continue
		}
		val := query.Format(fv.Value())
		if fv.Collated != nil {
			val = "<" + hexstr(fv.Collated) + ">"
		}
		fmt.Fprintf(w, "%s.%d: %s => %v\n", prefix, rowPos, val, key)
	}
}

// IndexProblem is an inconsistency found by CheckIndexConsistency.
type IndexProblem struct {
	Table string
	Index string
	Key   []byte
	// Missing is true for an entry the table implies but the index lacks,
	// false for an index entry no object accounts for.
	Missing bool
}

func (ip IndexProblem) String() string {
	what := "stray"
	if ip.Missing {
		what = "missing"
	}
	return fmt.Sprintf("%s.i.%s: %s entry %s", ip.Table, ip.Index, what, hexstr(ip.Key))
}

// CheckIndexConsistency rebuilds the entries of every up-to-date index from
// the table contents and compares them with the stored ones. Indexes still
// waiting for catch-up are skipped.
func (p *Partition) CheckIndexConsistency(ctx context.Context) ([]IndexProblem, error) {
	var problems []IndexProblem
	err := p.Tx(ctx, false, func(tx *Txn) error {
		for _, table := range tx.tables() {
			state := tx.tableState(table)
			for _, idx := range tx.indexes(table) {
				if tx.indexTag(table, idx.name()) != state {
					continue
				}
				found, err := tx.checkIndex(table, idx)
				if err != nil {
					return err
				}
				problems = append(problems, found...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ip := range problems {
		p.logger.Error("jsondb: index inconsistency", "problem", ip.String())
	}
	return problems, nil
}

func (tx *Txn) checkIndex(table string, idx *index) ([]IndexProblem, error) {
	var expected [][]byte
	err := tx.scanObjects(table, func(key ObjectKey, raw []byte) error {
		obj, err := decodeObject(raw)
		if err != nil {
			return tableErrf(table, idx.name(), key[:], err, "decode")
		}
		expected = append(expected, idx.keys(key, obj)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(expected, bytes.Compare)

	var actual [][]byte
	if b := tx.bucket(table, idx.bucket, false); b != nil {
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			actual = append(actual, slices.Clone(k))
		}
	}

	var problems []IndexProblem
	i, j := 0, 0
	for i < len(expected) || j < len(actual) {
		var cmp int
		switch {
		case i == len(expected):
			cmp = 1
		case j == len(actual):
			cmp = -1
		default:
			cmp = bytes.Compare(expected[i], actual[j])
		}
		switch {
		case cmp == 0:
			i++
			j++
		case cmp < 0:
			problems = append(problems, IndexProblem{Table: table, Index: idx.name(), Key: expected[i], Missing: true})
			i++
		default:
			problems = append(problems, IndexProblem{Table: table, Index: idx.name(), Key: actual[j]})
			j++
		}
	}
	return problems, nil
}
