package jsondb

import (
	"slices"
	"testing"
)

func TestContentHashIgnoresIdentity(t *testing.T) {
	a := Object{"_type": "Person", "name": "A", "age": 3.0}
	b := Object{"age": 3.0, "name": "A", "_type": "Person", "_uuid": "x", "_version": "7-abc", "_meta": map[string]any{"history": []any{"1-a"}}}
	deepEqual(t, contentHash(a), contentHash(b))
	if contentHash(a) == contentHash(Object{"_type": "Person", "name": "B", "age": 3.0}) {
		t.Errorf("** different content hashed equally")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		v     string
		count int
		hash  string
	}{
		{"1-abc", 1, "abc"},
		{"12-f00", 12, "f00"},
		{"", 0, ""},
		{"abc", 0, ""},
		{"x-abc", 0, ""},
	}
	for _, tt := range tests {
		c, h := parseVersion(tt.v)
		if c != tt.count || h != tt.hash {
			t.Errorf("** parseVersion(%q) = %d, %q, wanted %d, %q", tt.v, c, h, tt.count, tt.hash)
		}
	}
	deepEqual(t, versionLess("1-ff", "2-00"), true)
	deepEqual(t, versionLess("2-aa", "2-ab"), true)
	deepEqual(t, versionLess("2-ab", "2-aa"), false)
}

func TestResolveVersion(t *testing.T) {
	v1, replay, err := resolveVersion(nil, Object{"_uuid": "u", "_type": "T", "n": 1.0}, OptimisticWrite)
	ensure(err)
	deepEqual(t, replay, false)
	deepEqual(t, versionCount(v1.Version()), 1)

	// same content is a replay whatever the supplied version
	_, replay, err = resolveVersion(v1, Object{"_uuid": "u", "_type": "T", "n": 1.0, "_version": "0-zz"}, OptimisticWrite)
	ensure(err)
	deepEqual(t, replay, true)

	_, _, err = resolveVersion(v1, Object{"_uuid": "u", "_type": "T", "n": 2.0, "_version": "0-zz"}, OptimisticWrite)
	codeIs(t, err, UpdatingStaleVersion)
	_, _, err = resolveVersion(v1, Object{"_uuid": "u", "_type": "T", "n": 2.0}, OptimisticWrite)
	codeIs(t, err, UpdatingStaleVersion)

	v2, replay, err := resolveVersion(v1, Object{"_uuid": "u", "_type": "T", "n": 2.0, "_version": v1.Version()}, OptimisticWrite)
	ensure(err)
	deepEqual(t, replay, false)
	deepEqual(t, versionCount(v2.Version()), 2)
	deepEqual(t, v2.metaStrings(metaHistory), []string{v1.Version()})

	// a retry of the write that produced v2 is recognized through the history
	v3, _, err := resolveVersion(v2, Object{"_uuid": "u", "_type": "T", "n": 3.0}, ForcedWrite)
	ensure(err)
	_, replay, err = resolveVersion(v3, Object{"_uuid": "u", "_type": "T", "n": 2.0, "_version": v1.Version()}, OptimisticWrite)
	ensure(err)
	deepEqual(t, replay, true)
	if !slices.Contains(v3.metaStrings(metaHistory), v2.Version()) {
		t.Errorf("** got history %v, wanted it to contain %s", v3.metaStrings(metaHistory), v2.Version())
	}
}

func TestResolveReplicated(t *testing.T) {
	base, _, _ := resolveVersion(nil, Object{"_uuid": "u", "_type": "T", "n": 1.0}, OptimisticWrite)
	ours, _, _ := resolveVersion(base.Clone(), Object{"_uuid": "u", "_type": "T", "n": 2.0}, ForcedWrite)
	theirs, _, _ := resolveVersion(base.Clone(), Object{"_uuid": "u", "_type": "T", "n": 3.0}, ForcedWrite)

	merged, replay, err := resolveVersion(ours, theirs.Clone(), ReplicatedWrite)
	ensure(err)
	deepEqual(t, replay, false)
	winner, loser := ours, theirs
	if versionLess(ours.Version(), theirs.Version()) {
		winner, loser = theirs, ours
	}
	deepEqual(t, merged.Version(), winner.Version())
	conflicts := merged.metaObjects(metaConflicts)
	deepEqual(t, len(conflicts), 1)
	deepEqual(t, conflicts[0][FieldVersion], any(loser.Version()))

	_, replay, err = resolveVersion(merged, theirs.Clone(), ReplicatedWrite)
	ensure(err)
	deepEqual(t, replay, true)

	_, _, err = resolveVersion(merged, Object{"_uuid": "u", "_type": "T", "_version": "bogus"}, ReplicatedWrite)
	codeIs(t, err, InvalidRequest)
}
