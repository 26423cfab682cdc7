package jsondb

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/jsondb/query"
)

// encodeValue serializes v as msgpack with map keys sorted, so equal
// documents always produce equal bytes.
func encodeValue(buf []byte, v any) []byte {
	bb := bytes.NewBuffer(buf)
	enc := msgpack.GetEncoder()
	enc.ResetDict(bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Bytes()
}

func decodeValue(buf []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

func encodeObject(o Object) []byte {
	return encodeValue(nil, map[string]any(o))
}

func decodeObject(buf []byte) (Object, error) {
	var m map[string]any
	if err := decodeValue(buf, &m); err != nil {
		return nil, err
	}
	return Object(query.Normalize(m).(map[string]any)), nil
}
