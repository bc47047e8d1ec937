package protocol

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/proto"

	"github.com/flicknest/realtime/internal/errs"
	"github.com/flicknest/realtime/pkg/types"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is one wire frame. A frame with Ack set acknowledges the emit
// identified by AckID; otherwise a non-empty AckID requests an acknowledgment.
type Envelope struct {
	Event   types.EventName `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
	Ack     bool            `json:"ack,omitempty"`
}

// Marshal encodes an envelope for the wire.
func Marshal(env *Envelope) ([]byte, error) {
	return jsonAPI.Marshal(env)
}

// Unmarshal decodes a wire frame. Frames without an event name are rejected,
// except ack frames, which are addressed by AckID alone.
func Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := jsonAPI.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidEnvelope, err)
	}
	if env.Event == "" && !env.Ack {
		return nil, fmt.Errorf("%w: missing event name", errs.ErrInvalidEnvelope)
	}
	return env, nil
}

// Codec encodes application payloads.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec encodes payloads with json-iterator.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

// ProtobufCodec encodes payloads that implement proto.Message.
type ProtobufCodec struct{}

func (ProtobufCodec) Name() string { return "protobuf" }

func (ProtobufCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("payload is not a proto.Message: %T", v)
	}
	return proto.Marshal(msg)
}

func (ProtobufCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("target is not a proto.Message: %T", v)
	}
	return proto.Unmarshal(data, msg)
}

// EncodePayload turns an application payload into envelope payload bytes.
// Raw messages pass through untouched. Non-JSON codec output rides inside
// the JSON envelope as a base64 string.
func EncodePayload(c Codec, v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	if _, ok := c.(JSONCodec); ok {
		return data, nil
	}
	return jsonAPI.Marshal(data)
}

// GetCodec returns the codec for the given name, defaulting to JSON.
func GetCodec(name string) Codec {
	switch name {
	case "protobuf":
		return ProtobufCodec{}
	default:
		return JSONCodec{}
	}
}
