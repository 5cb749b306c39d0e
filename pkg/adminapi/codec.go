package adminapi

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is negotiated over gRPC's content-subtype mechanism
// ("application/grpc+json"). The retrieval pack has no generated
// api/proto package for any repo (no .proto sources, no checked-in
// *.pb.go anywhere), so this package never reaches for protobuf: it
// registers a plain JSON codec, a supported grpc-go extension point, and
// declares Go structs as its request/response types instead of protobuf
// messages.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// withJSONCodec selects the json codec for a single unary call; every
// client call in this package passes it explicitly since grpc-go
// otherwise defaults the content subtype to "proto".
func withJSONCodec() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}
