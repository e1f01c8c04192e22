package protocol

import (
	"encoding/json"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec marshals messages exchanged with execution units and payloads kept in
// the store.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Nested maps decode as
// map[string]interface{} so argument maps survive a round trip unchanged.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

// MustCBOR is CBOR for package-level defaults; the options above are static
// so it only panics on a library regression.
func MustCBOR() Codec {
	c, err := CBOR()
	if err != nil {
		panic(err)
	}
	return c
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonCodec struct{}

// JSON returns a JSON codec. Payloads are larger than CBOR but readable.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// EncodeSeries encodes a numeric payload for the store.
func EncodeSeries(c Codec, values []float64) ([]byte, error) {
	return c.Marshal(values)
}

// DecodeSeries decodes a payload written by EncodeSeries.
func DecodeSeries(c Codec, data []byte) ([]float64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []float64
	if err := c.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
