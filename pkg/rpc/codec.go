// Package rpc is the internal service-to-service layer: gRPC transport
// with a JSON codec and hand-declared service descriptors, so request
// and response types stay plain Go structs. Clients carry the caller's
// principal in metadata, apply a default deadline, and trip a circuit
// breaker per target.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype negotiated on every call.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
