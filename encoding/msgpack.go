// Package encoding provides centralized serialization for cached records.
// ALL msgpack operations MUST go through this package so that record values
// written by one component decode identically in every other.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte). Record fields are compared and re-serialized to JSON
// by observers, where a []byte would silently turn into base64.
//
// Numbers: record fields hold json.Number, so integer ids above 2^53 keep
// their exact digits. json.Number travels as a msgpack extension carrying
// the literal text and decodes back to json.Number.
package encoding

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

const jsonNumberExtID int8 = 1

func init() {
	msgpack.RegisterExtEncoder(jsonNumberExtID, json.Number(""),
		func(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
			return []byte(v.String()), nil
		})
	msgpack.RegisterExtDecoder(jsonNumberExtID, json.Number(""),
		func(dec *msgpack.Decoder, v reflect.Value, extLen int) error {
			buf := make([]byte, extLen)
			if err := dec.ReadFull(buf); err != nil {
				return err
			}
			v.SetString(string(buf))
			return nil
		})
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	// Sorted map keys keep the bytes of an unchanged record stable across writes.
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// Nested maps decode as map[string]interface{}, the same shape record fields
// had when they were parsed out of a JSON payload.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
