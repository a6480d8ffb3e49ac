package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"vr-replication/internal/vr"
)

// ErrUnknownKind is returned when decoding an envelope whose kind is not a VR message
var ErrUnknownKind = errors.New("unknown message kind")

// Codec turns messages into datagrams and back
type Codec interface {
	Encode(msg vr.Message) ([]byte, error)
	Decode(data []byte) (vr.Message, error)
}

type envelope struct {
	Kind vr.Kind         `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// JSONCodec encodes messages whose request payloads are Q and whose responses are S as a JSON envelope
// {"kind": ..., "body": ...}
type JSONCodec[Q, S any] struct{}

func NewJSONCodec[Q, S any]() JSONCodec[Q, S] {
	return JSONCodec[Q, S]{}
}

// Encode implements Codec
func (JSONCodec[Q, S]) Encode(msg vr.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Decode implements Codec
func (JSONCodec[Q, S]) Decode(data []byte) (vr.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var msg vr.Message
	switch env.Kind {
	case vr.RequestKind:
		msg = &vr.Request[Q]{}
	case vr.ReplyKind:
		msg = &vr.Reply[S]{}
	case vr.ObsoleteKind:
		msg = &vr.Obsolete{}
	case vr.PrepareKind:
		msg = &vr.Prepare[Q]{}
	case vr.PrepareOkKind:
		msg = &vr.PrepareOk{}
	case vr.CommitKind:
		msg = &vr.Commit{}
	case vr.StartViewChangeKind:
		msg = &vr.StartViewChange{}
	case vr.DoViewChangeKind:
		msg = &vr.DoViewChange[Q]{}
	case vr.StartViewKind:
		msg = &vr.StartView[Q]{}
	case vr.RecoveryKind:
		msg = &vr.Recovery{}
	case vr.RecoveryResponseKind:
		msg = &vr.RecoveryResponse[Q]{}
	case vr.AckKind:
		msg = &vr.Ack{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %v: %w", env.Kind, err)
	}
	return msg, nil
}
