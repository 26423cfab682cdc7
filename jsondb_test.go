package jsondb

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func setup(t testing.TB) *Partition {
	t.Helper()
	return setupWith(t, Config{})
}

func setupWith(t testing.TB, conf Config) *Partition {
	t.Helper()

	dbFile := must(os.CreateTemp("", "jsondb_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()

	conf.IsTesting = true
	e := New(conf)
	p := must(e.OpenPartition(context.Background(), "test", dbFile.Name()))
	t.Cleanup(func() {
		e.Close()
		os.Remove(dbFile.Name())
	})
	return p
}

func create(t testing.TB, p *Partition, objs ...Object) []WrittenObject {
	t.Helper()
	r, err := p.Create(context.Background(), Owner{}, objs...)
	if err != nil {
		t.Fatalf("** create failed: %v", err)
	}
	return r.Items
}

func get(t testing.TB, p *Partition, uuid string) Object {
	t.Helper()
	obj, err := p.Get(context.Background(), uuid)
	if err != nil {
		t.Fatalf("** get %s failed: %v", uuid, err)
	}
	return obj
}

func find(t testing.TB, p *Partition, text string) *QueryResult {
	t.Helper()
	r, err := p.Query(context.Background(), Owner{}, text, nil, -1, 0)
	if err != nil {
		t.Fatalf("** query %s failed: %v", text, err)
	}
	return r
}

// strs extracts a string property from every result.
func strs(r *QueryResult, prop string) []string {
	var out []string
	for _, obj := range r.Data {
		s, _ := obj[prop].(string)
		out = append(out, s)
	}
	return out
}

func stateOf(t testing.TB, p *Partition) uint32 {
	t.Helper()
	return must(p.StateNumber(context.Background()))
}

func codeIs(t testing.TB, err error, code ErrorCode) {
	t.Helper()
	if c := CodeOf(err); c != code {
		t.Errorf("** got error %v (%v), wanted %v", c, err, code)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}

func mustPut(t testing.TB, b storageBucket, k, v []byte) {
	t.Helper()
	if err := b.Put(k, v); err != nil {
		t.Fatalf("** put %x failed: %v", k, err)
	}
}

func assertPanics(t testing.TB, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Helper()
			t.Errorf("** expected panic")
		}
	}()
	fn()
}
