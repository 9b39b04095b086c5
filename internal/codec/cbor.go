// Package codec wraps the deterministic CBOR encoding used for signing
// inputs and for deep-copying replicated state.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys, smallest
// integer encoding, no indefinite-length items.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Clone returns a structurally independent copy of v by round-tripping it
// through CBOR. Unexported fields are not copied.
func Clone[T any](v T) (T, error) {
	var out T
	data, err := Marshal(v)
	if err != nil {
		return out, err
	}
	if err := Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
