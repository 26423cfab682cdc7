package jsondb

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// ObjectKey is the 16-byte binary form of an object's uuid, the primary key
// of the object table.
type ObjectKey [16]byte

const objectKeyLen = 16

func KeyFromUUID(u uuid.UUID) ObjectKey {
	return ObjectKey(u)
}

func ParseObjectKey(s string) (ObjectKey, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ObjectKey{}, errorf(InvalidRequest, "invalid uuid %q", s)
	}
	return ObjectKey(u), nil
}

func objectKeyFromBytes(b []byte) (ObjectKey, bool) {
	var k ObjectKey
	if len(b) != objectKeyLen {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

func (k ObjectKey) String() string {
	return uuid.UUID(k).String()
}

// generateUUID derives a name-based uuid from a seed, or a random one.
func generateUUID(seed string) string {
	if seed != "" {
		return uuid.NewMD5(uuid.NameSpaceDNS, []byte(seed)).String()
	}
	return uuid.New().String()
}

// Action is the kind of change recorded in the journal.
type Action uint32

const (
	ActionCreate Action = 1
	ActionUpdate Action = 2
	ActionDelete Action = 4

	// ActionStateChange is only delivered to subscribers, after a replay.
	ActionStateChange Action = 8
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "remove"
	case ActionStateChange:
		return "stateChange"
	default:
		return "none"
	}
}

// Journal keys live in the data bucket next to the object rows: a state key
// is the big-endian state number followed by 'S', and the snapshot of an
// object before that state is stored under the state key followed by the
// object key.
const (
	stateKeyLen       = 5
	stateKeySuffix    = 'S'
	journalEntryLen   = objectKeyLen + 4
	snapshotKeyLength = stateKeyLen + objectKeyLen
)

func stateKey(n uint32) []byte {
	k := make([]byte, stateKeyLen, snapshotKeyLength)
	binary.BigEndian.PutUint32(k, n)
	k[4] = stateKeySuffix
	return k
}

func isStateKey(k []byte) bool {
	return len(k) == stateKeyLen && k[4] == stateKeySuffix
}

func snapshotKey(n uint32, key ObjectKey) []byte {
	return append(stateKey(n), key[:]...)
}

func appendJournalEntry(buf []byte, key ObjectKey, action Action) []byte {
	buf = append(buf, key[:]...)
	return binary.BigEndian.AppendUint32(buf, uint32(action))
}

type journalEntry struct {
	Key    ObjectKey
	Action Action
}

func decodeJournal(data []byte) ([]journalEntry, error) {
	if len(data)%journalEntryLen != 0 {
		return nil, dataErrf(data, 0, nil, "journal entry length is not a multiple of %d", journalEntryLen)
	}
	entries := make([]journalEntry, 0, len(data)/journalEntryLen)
	for off := 0; off < len(data); off += journalEntryLen {
		var e journalEntry
		copy(e.Key[:], data[off:])
		e.Action = Action(binary.BigEndian.Uint32(data[off+objectKeyLen:]))
		entries = append(entries, e)
	}
	return entries, nil
}
