package clnrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireCodec marshals the hand-trimmed messages of this package. It
// registers under the standard proto codec name so the server side
// sees plain protobuf frames.
type wireCodec struct{}

// A compile time check to ensure wireCodec implements the
// encoding.Codec interface.
var _ encoding.Codec = wireCodec{}

// Marshal encodes a message to its wire form.
//
// NOTE: This is part of the encoding.Codec interface.
func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("unsupported message type %T", v)
	}

	return msg.encode(), nil
}

// Unmarshal decodes a message from its wire form.
//
// NOTE: This is part of the encoding.Codec interface.
func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("unsupported message type %T", v)
	}

	return msg.decode(data)
}

// Name identifies the codec on the wire.
//
// NOTE: This is part of the encoding.Codec interface.
func (wireCodec) Name() string {
	return "proto"
}
