package jsondb

import (
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// contentHash hashes everything except the uuid, the version and the
// metadata. Encoding sorts map keys, so the hash is independent of insertion
// order.
func contentHash(o Object) string {
	content := make(map[string]any, len(o))
	for k, v := range o {
		switch k {
		case FieldUUID, FieldVersion, FieldMeta:
			continue
		}
		content[k] = v
	}
	return strconv.FormatUint(xxhash.Sum64(encodeValue(nil, content)), 16)
}

func formatVersion(count int, hash string) string {
	return strconv.Itoa(count) + "-" + hash
}

// parseVersion splits "<count>-<hash>"; malformed versions yield count 0.
func parseVersion(v string) (int, string) {
	countStr, hash, ok := strings.Cut(v, "-")
	if !ok {
		return 0, ""
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, ""
	}
	return count, hash
}

func versionCount(v string) int {
	c, _ := parseVersion(v)
	return c
}

func versionHash(v string) string {
	_, h := parseVersion(v)
	return h
}

// WriteMode selects how the version of an incoming object is checked
// against the stored one.
type WriteMode int

const (
	// OptimisticWrite requires _version to name the stored version.
	OptimisticWrite WriteMode = iota
	// ForcedWrite replaces the stored object without checks.
	ForcedWrite
	// ReplicatedWrite accepts versions produced elsewhere; concurrent live
	// versions are kept as conflicts.
	ReplicatedWrite

	viewObjectWrite
)

func (m WriteMode) String() string {
	switch m {
	case OptimisticWrite:
		return "optimistic"
	case ForcedWrite:
		return "forced"
	case ReplicatedWrite:
		return "replicated"
	case viewObjectWrite:
		return "view"
	default:
		return "WriteMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// appendHistory records a replaced version, keeping the most recent ones.
func appendHistory(history []string, version string) []string {
	if version == "" || slices.Contains(history, version) {
		return history
	}
	history = append(history, version)
	if len(history) > maxVersionHistory {
		history = history[len(history)-maxVersionHistory:]
	}
	return history
}

// resolveVersion computes the object to store for a write of obj over
// stored (nil or a tombstone when absent). replay is true when the write is
// already reflected in stored and nothing has to be written.
func resolveVersion(stored, obj Object, mode WriteMode) (result Object, replay bool, err error) {
	hash := contentHash(obj)
	supplied := obj.Version()

	if mode == ReplicatedWrite && supplied != "" {
		return resolveReplicated(stored, obj)
	}

	if !stored.Live() {
		var history []string
		count := 0
		if stored != nil {
			count = versionCount(stored.Version())
			history = appendHistory(stored.metaStrings(metaHistory), stored.Version())
		}
		obj[FieldVersion] = formatVersion(count+1, hash)
		delete(obj, FieldMeta)
		obj.setMetaStrings(metaHistory, history)
		return obj, false, nil
	}

	current := stored.Version()
	count := versionCount(current)
	history := stored.metaStrings(metaHistory)
	conflicts := stored.metaObjects(metaConflicts)

	if hash == versionHash(current) {
		return stored, true, nil
	}

	switch mode {
	case ForcedWrite, viewObjectWrite, ReplicatedWrite:
	default:
		switch {
		case supplied == current:
		case removeConflict(&conflicts, supplied):
			history = appendHistory(history, supplied)
		case supplied != "" && slices.Contains(history, formatVersion(versionCount(supplied)+1, hash)):
			return stored, true, nil
		default:
			return nil, false, errorf(UpdatingStaleVersion, "object %s: version %q is not the current version %q", stored.UUID(), supplied, current)
		}
	}

	obj[FieldVersion] = formatVersion(count+1, hash)
	delete(obj, FieldMeta)
	obj.setMetaStrings(metaHistory, appendHistory(history, current))
	obj.setMetaObjects(metaConflicts, conflicts)
	return obj, false, nil
}

func removeConflict(conflicts *[]map[string]any, version string) bool {
	if version == "" {
		return false
	}
	for i, c := range *conflicts {
		if v, _ := c[FieldVersion].(string); v == version {
			*conflicts = slices.Delete(*conflicts, i, i+1)
			return true
		}
	}
	return false
}

// versionLess orders versions by update count, then by hash.
func versionLess(a, b string) bool {
	ac, ah := parseVersion(a)
	bc, bh := parseVersion(b)
	if ac != bc {
		return ac < bc
	}
	return ah < bh
}

// resolveReplicated merges a version produced by another replica. The
// higher version wins; a live loser that is not an ancestor of the winner is
// kept under _meta.conflicts.
func resolveReplicated(stored, obj Object) (Object, bool, error) {
	incoming := obj.Version()
	if versionCount(incoming) == 0 {
		return nil, false, errorf(InvalidRequest, "object %s: invalid replicated version %q", obj.UUID(), incoming)
	}
	if stored == nil {
		return obj, false, nil
	}
	current := stored.Version()
	storedHistory := stored.metaStrings(metaHistory)
	if incoming == current || slices.Contains(storedHistory, incoming) {
		return stored, true, nil
	}
	for _, c := range stored.metaObjects(metaConflicts) {
		if v, _ := c[FieldVersion].(string); v == incoming {
			return stored, true, nil
		}
	}

	incomingHistory := obj.metaStrings(metaHistory)
	history := storedHistory
	for _, v := range incomingHistory {
		history = appendHistory(history, v)
	}
	conflicts := stored.metaObjects(metaConflicts)

	var winner, loser Object
	switch {
	case slices.Contains(incomingHistory, current):
		winner = obj
		history = appendHistory(history, current)
	case versionLess(incoming, current):
		winner, loser = stored, obj
	default:
		winner, loser = obj, stored
	}

	result := winner.Clone()
	delete(result, FieldMeta)
	if loser.Live() {
		c := loser.Clone()
		delete(c, FieldMeta)
		conflicts = append(conflicts, map[string]any(c))
	}
	result.setMetaStrings(metaHistory, history)
	result.setMetaObjects(metaConflicts, conflicts)
	return result, false, nil
}
