package server

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated over the wire as the grpc content-subtype
// ("application/grpc+gob"), registered in place of protobuf: this repo's
// wire messages are plain Go structs (see api/v1), so a hand-rolled gob
// encoding.Codec stands in for the generated protobuf marshaler a normal
// grpc service would use.
const codecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}
