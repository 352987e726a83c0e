// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec names
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec encodes/decodes wire messages and parameter values
type Codec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBORCodec encodes with RFC 8949 CBOR. Untyped maps decode as
// map[string]interface{} so values look the same as under JSONCodec.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) Encode(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (CBORCodec) Decode(data []byte, v interface{}) error {
	return cborDec.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

func codecByName(name string) Codec {
	switch name {
	case CodecCBOR:
		return CBORCodec{}
	default:
		return defaultCodec
	}
}

// normalize reduces v to the plain values the codec produces on the far
// side. It fails for values the codec cannot serialize.
func normalize(c Codec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := c.Decode(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeInto stores the plain value v into out, which must be a pointer.
func decodeInto(c Codec, v any, out any) error {
	switch p := out.(type) {
	case nil:
		return nil
	case *any:
		*p = v
		return nil
	}
	data, err := c.Encode(v)
	if err != nil {
		return err
	}
	return c.Decode(data, out)
}
