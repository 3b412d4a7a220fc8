package v1alpha1

import (
	"encoding"
	"fmt"

	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the messages in this package travel.
const CodecName = "tensorproto"

func init() {
	grpcencoding.RegisterCodec(Codec{})
}

// Codec marshals the messages of this package for gRPC.
type Codec struct{}

var _ grpcencoding.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", CodecName, v)
	}
	return m.MarshalBinary()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", CodecName, v)
	}
	return m.UnmarshalBinary(data)
}

func (Codec) Name() string {
	return CodecName
}
