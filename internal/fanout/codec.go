package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes messages for a transport.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte, msg *Message) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// ContentType returns the JSON media type.
func (JSONCodec) ContentType() string { return "application/json" }

// Marshal encodes msg as JSON.
func (JSONCodec) Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal decodes JSON into msg.
func (JSONCodec) Unmarshal(data []byte, msg *Message) error {
	return json.Unmarshal(data, msg)
}

// MsgpackCodec encodes messages as MessagePack.
type MsgpackCodec struct{}

// Name returns "msgpack".
func (MsgpackCodec) Name() string { return "msgpack" }

// ContentType returns the MessagePack media type.
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

// Marshal encodes msg as MessagePack using its msgpack tags.
func (MsgpackCodec) Marshal(msg Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// Unmarshal decodes MessagePack into msg.
func (MsgpackCodec) Unmarshal(data []byte, msg *Message) error {
	return msgpack.Unmarshal(data, msg)
}

// CodecByName returns the codec registered under name. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("fanout: unknown codec %q", name)
}
