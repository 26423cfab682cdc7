package jsondb

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"

	"github.com/andreyvit/jsondb/query"
)

// Reserved fields.
const (
	FieldUUID         = "_uuid"
	FieldVersion      = "_version"
	FieldType         = "_type"
	FieldDeleted      = "_deleted"
	FieldOwner        = "_owner"
	FieldID           = "_id"
	FieldMeta         = "_meta"
	FieldIndexValue   = "_indexValue"
	FieldSourceUUIDs  = "_sourceUuids"
	FieldReduceUUID   = "_reduceUuid"
	FieldActive       = "_active"
	FieldError        = "_error"
	metaHistory       = "history"
	metaConflicts     = "conflicts"
	maxVersionHistory = 20
)

// Object is a JSON document. Values are nil, bool, float64, string, []any or
// map[string]any.
type Object map[string]any

// NewObject normalizes Go values (ints, []string and so on) into the JSON
// representation.
func NewObject(m map[string]any) Object {
	if m == nil {
		return nil
	}
	return Object(query.Normalize(m).(map[string]any))
}

// ParseObject decodes a JSON object.
func ParseObject(data []byte) (Object, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errorf(InvalidRequest, "invalid JSON object: %v", err)
	}
	return NewObject(m), nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(o))
}

func (o Object) String() string {
	if o == nil {
		return "<nil>"
	}
	data, err := o.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// Clone returns a deep copy.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	var m map[string]any
	src := map[string]any(o)
	ensure(deepcopy.Copy(&m, &src))
	return Object(m)
}

func (o Object) str(field string) string {
	s, _ := o[field].(string)
	return s
}

func (o Object) UUID() string    { return o.str(FieldUUID) }
func (o Object) Version() string { return o.str(FieldVersion) }
func (o Object) Type() string    { return o.str(FieldType) }
func (o Object) Owner() string   { return o.str(FieldOwner) }

func (o Object) Deleted() bool {
	b, _ := o[FieldDeleted].(bool)
	return b
}

// Live reports whether o is present and not a tombstone.
func (o Object) Live() bool {
	return o != nil && !o.Deleted()
}

// Get returns the value at a dotted path, or query.Undefined.
func (o Object) Get(path string) any {
	return query.ValueAt(map[string]any(o), path)
}

func (o Object) meta() map[string]any {
	m, _ := o[FieldMeta].(map[string]any)
	return m
}

func (o Object) metaStrings(key string) []string {
	arr, _ := o.meta()[key].([]any)
	var result []string
	for _, v := range arr {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func (o Object) setMetaStrings(key string, values []string) {
	arr := make([]any, len(values))
	for i, v := range values {
		arr[i] = v
	}
	o.setMeta(key, arr)
}

// setMeta stores arr under _meta.key, removing it (and an empty _meta) when
// arr is empty.
func (o Object) setMeta(key string, arr []any) {
	m := o.meta()
	if m == nil {
		if len(arr) == 0 {
			return
		}
		m = make(map[string]any)
	} else {
		m = cloneMap(m)
	}
	if len(arr) == 0 {
		delete(m, key)
	} else {
		m[key] = arr
	}
	if len(m) == 0 {
		delete(o, FieldMeta)
	} else {
		o[FieldMeta] = m
	}
}

func (o Object) metaObjects(key string) []map[string]any {
	arr, _ := o.meta()[key].([]any)
	var result []map[string]any
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

func (o Object) setMetaObjects(key string, values []map[string]any) {
	arr := make([]any, len(values))
	for i, v := range values {
		arr[i] = v
	}
	o.setMeta(key, arr)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// withoutReserved returns a shallow copy without the fields starting with an
// underscore.
func withoutReserved(o Object) map[string]any {
	out := make(map[string]any, len(o))
	for k, v := range o {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}
