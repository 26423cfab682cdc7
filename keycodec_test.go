package jsondb

import (
	"bytes"
	"math"
	"testing"

	"github.com/andreyvit/jsondb/query"
)

var testKey = ObjectKey{0xAA, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 0xBB}

func TestForwardKeyOrdering(t *testing.T) {
	values := []any{
		false, true,
		math.Inf(-1), -10.0, -1.5, 0.0, 2.0, 1e10, math.Inf(1),
		"", "\x00", "a", "ab", "b", "z", "é", "😀",
	}
	enc := newKeyEncoder(&IndexSpec{PropertyType: PropertyTypeAny}, 0)

	var keys [][]byte
	var fvs []FieldValue
	for _, v := range values {
		fv, ok := makeFieldValue(v, PropertyTypeAny)
		if !ok {
			t.Fatalf("** %v not indexable", v)
		}
		fvs = append(fvs, fv)
		keys = append(keys, enc.forwardKey(fv, testKey))
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if c := CompareForwardKeys(keys[i], keys[j]); c >= 0 {
				t.Errorf("** key of %q (%x) >= key of %q (%x)", values[i], keys[i], values[j], keys[j])
			}
			if c := CompareFieldValues(fvs[i], fvs[j]); c >= 0 {
				t.Errorf("** CompareFieldValues(%q, %q) = %d, wanted -1", values[i], values[j], c)
			}
		}
	}
}

func TestForwardKeyRoundTrip(t *testing.T) {
	enc := newKeyEncoder(&IndexSpec{PropertyType: PropertyTypeAny}, 0)
	for _, v := range []any{true, -3.25, "hello", "", "with\x00zero", "😀 emoji"} {
		fv := must(makeFieldValueOK(v, PropertyTypeAny))
		k := enc.forwardKey(fv, testKey)
		got, key, err := enc.decodeForwardKey(k)
		if err != nil {
			t.Fatalf("** decode %x: %v", k, err)
		}
		deepEqual(t, got.Value(), v)
		deepEqual(t, key, testKey)
		deepEqual(t, got.Coerced, false)
		deepEqual(t, valueOfForwardKey(k), k[:len(k)-17])
	}
}

func makeFieldValueOK(v any, propertyType string) (FieldValue, error) {
	fv, ok := makeFieldValue(v, propertyType)
	if !ok {
		return fv, errorf(InvalidRequest, "not indexable")
	}
	return fv, nil
}

func TestStringKeyLayout(t *testing.T) {
	enc := newKeyEncoder(&IndexSpec{}, 0)
	fv, _ := makeFieldValue("a\x00", PropertyTypeString)
	k := enc.forwardKey(fv, testKey)
	// tag, 'a' as 00 61 with the zero escaped, U+0000 as 00 00 escaped twice,
	// terminator, flag, key
	deepEqual(t, hexstr(k[:10]), "3000ff6100ff00ff0001")
	deepEqual(t, k[10], flagNative)
	deepEqual(t, bytes.Equal(k[11:], testKey[:]), true)
}

func TestMakeFieldValueCoercion(t *testing.T) {
	tests := []struct {
		v       any
		typ     string
		kind    FieldKind
		value   any
		coerced bool
		ok      bool
	}{
		{"abc", PropertyTypeString, KindString, "abc", false, true},
		{42.0, PropertyTypeString, KindString, "42", true, true},
		{true, PropertyTypeString, KindString, "true", true, true},
		{nil, PropertyTypeString, KindString, "null", true, true},
		{"12.5", PropertyTypeNumber, KindNumber, 12.5, true, true},
		{"abc", PropertyTypeNumber, 0, nil, false, false},
		{true, PropertyTypeNumber, KindNumber, 1.0, true, true},
		{3.7, PropertyTypeInteger, KindNumber, 3.0, true, true},
		{4.0, PropertyTypeInteger, KindNumber, 4.0, false, true},
		{[]any{"x"}, PropertyTypeString, KindString, "x", true, true},
		{[]any{"x", "y"}, PropertyTypeString, 0, nil, false, false},
		{map[string]any{}, PropertyTypeAny, 0, nil, false, false},
		{nil, PropertyTypeAny, 0, nil, false, false},
	}
	for _, tt := range tests {
		fv, ok := makeFieldValue(tt.v, tt.typ)
		if ok != tt.ok {
			t.Errorf("** makeFieldValue(%v, %s) ok = %v, wanted %v", tt.v, tt.typ, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if fv.Kind != tt.kind || fv.Value() != tt.value || fv.Coerced != tt.coerced {
			t.Errorf("** makeFieldValue(%v, %s) = %v/%v coerced=%v, wanted %v/%v coerced=%v", tt.v, tt.typ, fv.Kind, fv.Value(), fv.Coerced, tt.kind, tt.value, tt.coerced)
		}
	}
}

func TestTruncatedStringIsCoerced(t *testing.T) {
	enc := newKeyEncoder(&IndexSpec{}, 3)
	fv, _ := makeFieldValue("abcdef", PropertyTypeString)
	k := enc.forwardKey(fv, testKey)
	got, _, err := enc.decodeForwardKey(k)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, got.Str, "abc")
	deepEqual(t, got.Coerced, true)
}

func TestCollatedKeysIgnoreCase(t *testing.T) {
	no := false
	enc := newKeyEncoder(&IndexSpec{PropertyType: PropertyTypeString, CaseSensitive: &no}, 0)
	key := func(s string) []byte {
		fv, _ := makeFieldValue(s, PropertyTypeString)
		return valueOfForwardKey(enc.forwardKey(fv, testKey))
	}
	deepEqual(t, hexstr(key("Hello")), hexstr(key("hello")))
	if bytes.Compare(key("apple"), key("Banana")) >= 0 {
		t.Errorf("** collated apple >= Banana")
	}

	got, _, err := enc.decodeForwardKey(enc.forwardKey(must(makeFieldValueOK("x", PropertyTypeString)), testKey))
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, got.Coerced, true)
	if got.Collated == nil {
		t.Errorf("** collated key decoded without collation bytes")
	}
}

func TestDecodeForwardKeyErrors(t *testing.T) {
	enc := newKeyEncoder(&IndexSpec{}, 0)
	for _, k := range [][]byte{
		nil,
		x("20 00"),
		append(x("99 00"), testKey[:]...),
		append(x("30 00 ff 61"), testKey[:]...),
	} {
		if _, _, err := enc.decodeForwardKey(k); err == nil {
			t.Errorf("** decodeForwardKey(%x) succeeded, wanted error", k)
		}
	}
}

func TestSortKeyOfFollowsCompare(t *testing.T) {
	values := []any{query.Undefined, nil, false, true, -1.0, 3.0, "a", "b", []any{}, map[string]any{}}
	for i := 1; i < len(values); i++ {
		a, b := sortKeyOf(values[i-1]), sortKeyOf(values[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("** sortKeyOf(%v) = %x >= sortKeyOf(%v) = %x", values[i-1], a, values[i], b)
		}
	}
}
