// Package codec holds the CBOR configuration shared by the worker wire
// protocol and composite adapter artifacts. Encoding is Core Deterministic
// (RFC 8949 §4.2) so the same value always produces the same bytes, which
// keeps artifact checksums stable.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// any-typed targets decode maps as map[string]any so values stay
		// JSON-compatible when surfaced through the HTTP API.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is a raw encoded CBOR value used to delay decoding of a
// message body until its kind is known.
type RawMessage = cbor.RawMessage

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
