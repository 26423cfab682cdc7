package changefeed

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func open(t *testing.T, dir string, o Options) *Feed {
	t.Helper()
	o.FileName = "main-*.feed"
	o.Now = func() time.Time { return start }
	f, err := Open(dir, o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func readAll(t *testing.T, f *Feed, after uint32) []Record {
	t.Helper()
	var recs []Record
	err := f.Read(after, func(rec Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func states(recs []Record) []uint32 {
	var result []uint32
	for _, r := range recs {
		result = append(result, r.State)
	}
	return result
}

func TestFeed_appendAndRead(t *testing.T) {
	dir := t.TempDir()
	f := open(t, dir, Options{})
	ensure(f.Append(1, []byte("one")))
	ensure(f.Append(2, []byte("two")))
	ensure(f.Append(5, []byte("five")))

	recs := readAll(t, f, 0)
	deepEq(t, states(recs), []uint32{1, 2, 5})
	deepEq(t, string(recs[2].Data), "five")
	deepEq(t, recs[0].Timestamp, uint32(start.Unix()))

	deepEq(t, states(readAll(t, f, 2)), []uint32{5})
	deepEq(t, f.LastState(), uint32(5))
}

func TestFeed_rejectsNonIncreasingStates(t *testing.T) {
	f := open(t, t.TempDir(), Options{})
	ensure(f.Append(3, []byte("x")))
	err := f.Append(3, []byte("y"))
	if !errors.Is(err, ErrStateOrder) {
		t.Errorf("** got %v, wanted %v", err, ErrStateOrder)
	}
}

func TestFeed_rotation(t *testing.T) {
	dir := t.TempDir()
	f := open(t, dir, Options{MaxFileSize: segmentHeaderSize + 10})
	for s := uint32(1); s <= 4; s++ {
		ensure(f.Append(s, []byte("0123456789")))
	}
	f.Close()

	names := fileNames(t, dir)
	deepEq(t, names, []string{
		"main-000000000001-20240101T000000-00000001.feed",
		"main-000000000002-20240101T000000-00000002.feed",
		"main-000000000003-20240101T000000-00000003.feed",
		"main-000000000004-20240101T000000-00000004.feed",
	})

	f = open(t, dir, Options{MaxFileSize: segmentHeaderSize + 10})
	deepEq(t, f.LastState(), uint32(4))
	deepEq(t, states(readAll(t, f, 2)), []uint32{3, 4})
}

func TestFeed_trimsCorruptedTail(t *testing.T) {
	dir := t.TempDir()
	f := open(t, dir, Options{})
	ensure(f.Append(1, []byte("first")))
	ensure(f.Append(2, []byte("second")))
	f.Close()

	fn := filepath.Join(dir, fileNames(t, dir)[0])
	data := must(os.ReadFile(fn))
	ensure(os.WriteFile(fn, data[:len(data)-3], 0o666))

	f = open(t, dir, Options{})
	deepEq(t, f.LastState(), uint32(1))
	ensure(f.Append(2, []byte("again")))

	recs := readAll(t, f, 0)
	deepEq(t, states(recs), []uint32{1, 2})
	deepEq(t, string(recs[1].Data), "again")
}

func TestFeed_incompatibleInvariant(t *testing.T) {
	dir := t.TempDir()
	f := open(t, dir, Options{Invariant: [32]byte{1}})
	ensure(f.Append(1, []byte("x")))
	f.Close()

	_, err := Open(dir, Options{FileName: "main-*.feed", Invariant: [32]byte{2}})
	if !errors.Is(err, ErrIncompatible) {
		t.Errorf("** got %v, wanted %v", err, ErrIncompatible)
	}
}

func TestParseSegmentName(t *testing.T) {
	seg, ts, first, err := parseSegmentName("x", ".feed", "x000000000123-20230101T000000-0000002a.feed")
	if err != nil {
		t.Fatal(err)
	}
	deepEq(t, seg, uint32(123))
	deepEq(t, ts, uint32(1672531200))
	deepEq(t, first, uint32(42))

	if _, _, _, err := parseSegmentName("y", ".feed", "x000000000123-20230101T000000-0000002a.feed"); err == nil {
		t.Errorf("** expected prefix mismatch to fail")
	}
}

func TestFormatSegmentName(t *testing.T) {
	deepEq(t, formatSegmentName("x", "y", 123, 1672531200, 42), "x000000000123-20230101T000000-0000002ay")
}

func fileNames(t *testing.T, dir string) []string {
	var names []string
	for _, ent := range must(os.ReadDir(dir)) {
		names = append(names, ent.Name())
	}
	return names
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
