package query

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is the value of a property that does not exist. It is distinct
// from nil, which is JSON null.
var Undefined any = undefined{}

// IsUndefined reports whether v is Undefined.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// Kind of a JSON value, ordered the way mixed-type values sort.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// KindOf classifies a normalized JSON value.
func KindOf(v any) Kind {
	switch v.(type) {
	case undefined:
		return KindUndefined
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindOf(Normalize(v))
	}
}

// Normalize converts Go values into the canonical JSON representation used
// throughout: float64 numbers, []any arrays and map[string]any objects.
func Normalize(v any) any {
	switch v := v.(type) {
	case nil, bool, float64, string, undefined:
		return v
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = e
		}
		return out
	default:
		return v
	}
}

// Equal compares two JSON values for deep equality. Values of different kinds
// are never equal.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	switch a := a.(type) {
	case undefined:
		return IsUndefined(b)
	case nil:
		return b == nil
	case bool:
		bb, ok := b.(bool)
		return ok && a == bb
	case float64:
		bb, ok := b.(float64)
		return ok && a == bb
	case string:
		bb, ok := b.(string)
		return ok && a == bb
	case []any:
		bb, ok := b.([]any)
		if !ok || len(a) != len(bb) {
			return false
		}
		for i := range a {
			if !Equal(a[i], bb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bb, ok := b.(map[string]any)
		if !ok || len(a) != len(bb) {
			return false
		}
		for k, v := range a {
			w, found := bb[k]
			if !found || !Equal(v, w) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// LessThan reports a < b for two values of the same scalar kind (number,
// string or bool). Values of differing kinds are never ordered.
func LessThan(a, b any) bool {
	switch a := Normalize(a).(type) {
	case float64:
		bb, ok := Normalize(b).(float64)
		return ok && a < bb
	case string:
		bb, ok := b.(string)
		return ok && CompareStrings(a, bb) < 0
	case bool:
		bb, ok := b.(bool)
		return ok && !a && bb
	default:
		return false
	}
}

// GreaterThan reports a > b under the same rules as LessThan.
func GreaterThan(a, b any) bool {
	return LessThan(b, a)
}

// Compare imposes a total order on JSON values: first by Kind, then by value.
// Arrays and objects of the same kind compare equal.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch ka {
	case KindBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case KindNumber:
		af, bf := a.(float64), b.(float64)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case KindString:
		return CompareStrings(a.(string), b.(string))
	default:
		return 0
	}
}

// CompareStrings compares strings in UTF-16 code-unit order, which differs
// from Go's byte order for supplementary characters vs U+E000..U+FFFF.
func CompareStrings(a, b string) int {
	for a != "" && b != "" {
		ra, na := utf8.DecodeRuneInString(a)
		rb, nb := utf8.DecodeRuneInString(b)
		if ra != rb {
			ua, ub := firstUnit(ra), firstUnit(rb)
			if ua != ub {
				if ua < ub {
					return -1
				}
				return 1
			}
			// same high surrogate
			if ra < rb {
				return -1
			}
			return 1
		}
		a, b = a[na:], b[nb:]
	}
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}

func firstUnit(r rune) uint16 {
	if r >= 0x10000 {
		return uint16(0xD800 + ((r - 0x10000) >> 10))
	}
	return uint16(r)
}

// ValueAt looks up a dotted property path in v. Numeric components index
// arrays. Missing components yield Undefined.
func ValueAt(v any, path string) any {
	if path == "" {
		return v
	}
	cur := v
	for {
		comp, rest, more := strings.Cut(path, ".")
		switch c := cur.(type) {
		case map[string]any:
			next, found := c[comp]
			if !found {
				return Undefined
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(comp)
			if err != nil || i < 0 || i >= len(c) {
				return Undefined
			}
			cur = c[i]
		default:
			return Undefined
		}
		if !more {
			return Normalize(cur)
		}
		path = rest
	}
}

// Format renders a value the way query explanations and golden dumps show it.
func Format(v any) string {
	var sb strings.Builder
	format(&sb, Normalize(v))
	return sb.String()
}

func format(sb *strings.Builder, v any) {
	switch v := v.(type) {
	case undefined:
		sb.WriteString("undefined")
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(v))
	case float64:
		sb.WriteString(FormatNumber(v))
	case string:
		sb.WriteString(strconv.Quote(v))
	case []any:
		sb.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			format(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			format(sb, v[k])
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("?")
	}
}

// FormatNumber prints a number in its shortest round-trip form, integers
// without a fractional part.
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
