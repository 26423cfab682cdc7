package jsondb

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"

	"github.com/andreyvit/jsondb/query"
)

// FieldKind is the leading tag byte of a forward key; kinds sort in tag order.
type FieldKind byte

const (
	KindUndefined FieldKind = 0
	KindBool      FieldKind = 0x10
	KindNumber    FieldKind = 0x20
	KindString    FieldKind = 0x30
)

// Index property types.
const (
	PropertyTypeString  = "string"
	PropertyTypeNumber  = "number"
	PropertyTypeInteger = "integer"
	// PropertyTypeAny indexes booleans, numbers and strings under their own
	// kinds and skips everything else.
	PropertyTypeAny = "any"
)

const (
	flagNative  byte = 0
	flagCoerced byte = 1
)

// FieldValue is a typed, indexable scalar.
type FieldValue struct {
	Kind FieldKind
	Bool bool
	Num  float64
	Str  string

	// Collated holds the collation key of strings of collated indexes; Str is
	// unknown for those when decoded from a key.
	Collated []byte

	// Coerced is set when the value differs from the document's own value:
	// converted from another kind, truncated, or collated.
	Coerced bool
}

// Value returns the JSON value.
func (fv FieldValue) Value() any {
	switch fv.Kind {
	case KindBool:
		return fv.Bool
	case KindNumber:
		return fv.Num
	case KindString:
		return fv.Str
	default:
		return query.Undefined
	}
}

func valueKind(v any) FieldKind {
	switch v.(type) {
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	default:
		return KindUndefined
	}
}

// makeFieldValue converts a document value into the kind an index of the
// given property type stores. ok is false when the value is not indexable.
func makeFieldValue(v any, propertyType string) (fv FieldValue, ok bool) {
	if arr, isArr := v.([]any); isArr {
		if len(arr) != 1 {
			return fv, false
		}
		fv, ok = makeFieldValue(arr[0], propertyType)
		fv.Coerced = true
		return fv, ok
	}
	switch propertyType {
	case PropertyTypeNumber, PropertyTypeInteger:
		fv.Kind = KindNumber
		switch v := v.(type) {
		case nil:
			fv.Num, fv.Coerced = 0, true
		case bool:
			fv.Coerced = true
			if v {
				fv.Num = 1
			}
		case float64:
			fv.Num = v
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fv, false
			}
			fv.Num, fv.Coerced = f, true
		default:
			return fv, false
		}
		if math.IsNaN(fv.Num) {
			return fv, false
		}
		if propertyType == PropertyTypeInteger {
			if t := math.Trunc(fv.Num); t != fv.Num {
				fv.Num, fv.Coerced = t, true
			}
		}
		return fv, true

	case PropertyTypeAny:
		switch v := v.(type) {
		case bool:
			return FieldValue{Kind: KindBool, Bool: v}, true
		case float64:
			if math.IsNaN(v) {
				return fv, false
			}
			return FieldValue{Kind: KindNumber, Num: v}, true
		case string:
			return FieldValue{Kind: KindString, Str: v}, true
		default:
			return fv, false
		}

	default:
		fv.Kind = KindString
		switch v := v.(type) {
		case nil:
			fv.Str, fv.Coerced = "null", true
		case bool:
			fv.Str, fv.Coerced = strconv.FormatBool(v), true
		case float64:
			fv.Str, fv.Coerced = query.FormatNumber(v), true
		case string:
			fv.Str = v
		default:
			return fv, false
		}
		return fv, true
	}
}

// keyEncoder produces forward keys for one index.
type keyEncoder struct {
	maxUnits int

	mu       sync.Mutex
	collator *collate.Collator
	cbuf     collate.Buffer
}

func newKeyEncoder(spec *IndexSpec, maxUnits int) *keyEncoder {
	e := &keyEncoder{maxUnits: maxUnits}
	if spec.isCollated() {
		locale := spec.Locale
		if locale == "" {
			locale = "und"
		}
		if spec.CasePreference != "" {
			locale += "-u-kf-" + spec.CasePreference
		}
		tag := language.Make(locale)
		opts := []collate.Option{collate.OptionsFromTag(tag)}
		if !spec.isCaseSensitive() {
			opts = append(opts, collate.IgnoreCase)
		}
		switch spec.Collation {
		case "loose":
			opts = append(opts, collate.Loose)
		case "numeric":
			opts = append(opts, collate.Numeric)
		}
		e.collator = collate.New(tag, opts...)
	}
	return e
}

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// utf16Units returns the UTF-16BE encoding of s limited to maxUnits code units.
func utf16Units(s string, maxUnits int) ([]byte, bool) {
	units, err := utf16be.NewEncoder().Bytes([]byte(strings.ToValidUTF8(s, "\uFFFD")))
	if err != nil {
		units = nil
	}
	if maxUnits > 0 && len(units) > 2*maxUnits {
		return units[:2*maxUnits], true
	}
	return units, false
}

// appendEscaped writes data so that the result sorts like data and no
// escaped string is a prefix of the terminator-ended form of another.
func appendEscaped(buf, data []byte) []byte {
	for _, b := range data {
		if b == 0 {
			buf = append(buf, 0, 0xFF)
		} else {
			buf = append(buf, b)
		}
	}
	return buf
}

func unescapeString(data []byte) (units []byte, rest []byte, ok bool) {
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != 0 {
			units = append(units, b)
			continue
		}
		if i+1 >= len(data) {
			return nil, nil, false
		}
		switch data[i+1] {
		case 0xFF:
			units = append(units, 0)
			i++
		case 0x01:
			return units, data[i+2:], true
		default:
			return nil, nil, false
		}
	}
	return nil, nil, false
}

func encodeNumber(f float64) uint64 {
	if f == 0 {
		f = 0 // -0
	}
	bits := math.Float64bits(f)
	if bits>>63 == 0 {
		return bits ^ 1<<63
	}
	return ^bits
}

func decodeNumber(b uint64) float64 {
	if b>>63 == 1 {
		return math.Float64frombits(b ^ 1<<63)
	}
	return math.Float64frombits(^b)
}

// appendValue writes the kind tag and the order-preserving value bytes.
// Strings end with a terminator so that a shorter string sorts first.
func (e *keyEncoder) appendValue(buf []byte, fv *FieldValue) []byte {
	buf = append(buf, byte(fv.Kind))
	switch fv.Kind {
	case KindBool:
		if fv.Bool {
			return append(buf, 1)
		}
		return append(buf, 0)
	case KindNumber:
		return binary.BigEndian.AppendUint64(buf, encodeNumber(fv.Num))
	case KindString:
		if e.collator != nil {
			fv.Coerced = true
			buf = appendEscaped(buf, e.collationKey(fv.Str))
		} else {
			units, truncated := utf16Units(fv.Str, e.maxUnits)
			if truncated {
				fv.Coerced = true
			}
			buf = appendEscaped(buf, units)
		}
		return append(buf, 0, 0x01)
	default:
		panic("cannot encode undefined field value")
	}
}

func (e *keyEncoder) collationKey(s string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cbuf.Reset()
	return bytes.Clone(e.collator.KeyFromString(&e.cbuf, s))
}

// appendStringPrefix writes the bytes shared by the keys of every string
// starting with prefix. Not available for collated indexes.
func (e *keyEncoder) appendStringPrefix(buf []byte, prefix string) []byte {
	buf = append(buf, byte(KindString))
	units, _ := utf16Units(prefix, e.maxUnits)
	return appendEscaped(buf, units)
}

// forwardKey encodes (value, object key). The coercion flag sits between
// the two so that readers know whether the value can be trusted.
func (e *keyEncoder) forwardKey(fv FieldValue, key ObjectKey) []byte {
	buf := make([]byte, 0, 32)
	buf = e.appendValue(buf, &fv)
	if fv.Coerced {
		buf = append(buf, flagCoerced)
	} else {
		buf = append(buf, flagNative)
	}
	return append(buf, key[:]...)
}

// decodeForwardKey is the inverse of forwardKey.
func (e *keyEncoder) decodeForwardKey(k []byte) (FieldValue, ObjectKey, error) {
	var fv FieldValue
	var key ObjectKey
	if len(k) < 1+1+objectKeyLen {
		return fv, key, dataErrf(k, 0, nil, "forward key too short")
	}
	fv.Kind = FieldKind(k[0])
	rest := k[1:]
	switch fv.Kind {
	case KindBool:
		fv.Bool = rest[0] != 0
		rest = rest[1:]
	case KindNumber:
		if len(rest) < 8 {
			return fv, key, dataErrf(k, 1, nil, "truncated number")
		}
		fv.Num = decodeNumber(binary.BigEndian.Uint64(rest))
		rest = rest[8:]
	case KindString:
		units, r, ok := unescapeString(rest)
		if !ok {
			return fv, key, dataErrf(k, 1, nil, "unterminated string")
		}
		rest = r
		if e.collator != nil {
			fv.Collated = units
		} else {
			s, err := utf16be.NewDecoder().Bytes(units)
			if err != nil {
				return fv, key, dataErrf(k, 1, err, "invalid UTF-16")
			}
			fv.Str = string(s)
		}
	default:
		return fv, key, dataErrf(k, 0, nil, "invalid kind tag %x", k[0])
	}
	if len(rest) != 1+objectKeyLen {
		return fv, key, dataErrf(k, len(k)-len(rest), nil, "invalid forward key tail")
	}
	fv.Coerced = rest[0] == flagCoerced
	copy(key[:], rest[1:])
	return fv, key, nil
}

// valueOfForwardKey returns the forward key without its trailing object key,
// which is what results are ordered by.
func valueOfForwardKey(k []byte) []byte {
	if len(k) < objectKeyLen+1 {
		return k
	}
	return k[:len(k)-objectKeyLen-1]
}

// CompareForwardKeys orders forward keys; it is plain byte order.
func CompareForwardKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareFieldValues mirrors the ordering of the encoded keys of
// non-collated indexes.
func CompareFieldValues(a, b FieldValue) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindBool:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		default:
			return 1
		}
	case KindNumber:
		x, y := encodeNumber(a.Num), encodeNumber(b.Num)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case KindString:
		return query.CompareStrings(a.Str, b.Str)
	default:
		return 0
	}
}
