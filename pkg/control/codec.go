package control

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected via
// grpc.CallContentSubtype / grpc.ForceServerCodec on both ends of the
// connection. There is no protobuf toolchain in this repository, so the
// wire representation for every Control Plane method is plain JSON rather
// than a generated protobuf codec.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshalling the plain Go request
// and response structs declared in messages.go directly to/from JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
