package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingPayload = errors.New("missing payload")
	ErrMalformed      = errors.New("malformed frame")
)

// Decode parses one frame. Legacy set_vedio_* tags decode to their
// set_video_* equivalents.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if alias, ok := legacyTypes[env.Type]; ok {
		env.Type = alias
	}

	switch env.Type {
	case TypeAuthorization:
		msg := &Authorization{Token: env.Token}
		if msg.Token == "" && hasPayload(env.Payload) {
			if err := json.Unmarshal(env.Payload, msg); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		return msg, nil
	case TypePing:
		msg := &Ping{}
		if env.Timestamp != nil {
			msg.Timestamp = *env.Timestamp
		}
		return msg, nil
	case TypePong:
		return &Pong{}, nil
	case TypeAuthError:
		msg := &AuthError{}
		if hasPayload(env.Payload) {
			_ = json.Unmarshal(env.Payload, msg)
		}
		return msg, nil
	}

	msg := newPayloadMessage(env.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if !hasPayload(env.Payload) {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// Encode renders msg in its wire shape.
func Encode(msg Message) ([]byte, error) {
	env := Envelope{Type: msg.Type()}
	switch m := msg.(type) {
	case *Authorization:
		env.Token = m.Token
	case *Ping:
		ts := m.Timestamp
		env.Timestamp = &ts
	case *Pong:
	default:
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

func newPayloadMessage(t MessageType) Message {
	switch t {
	case TypeAuthRequired:
		return &AuthRequired{}
	case TypeAuthSuccess:
		return &AuthSuccess{}
	case TypeConnectionEstablished:
		return &ConnectionEstablished{}
	case TypeEnterRoom:
		return &EnterRoom{}
	case TypeRoomEntered:
		return &RoomEntered{}
	case TypeRoomEnterError:
		return &RoomEnterError{}
	case TypeLeaveRoom:
		return &LeaveRoom{}
	case TypeRoomLeft:
		return &RoomLeft{}
	case TypeRoomLeaveError:
		return &RoomLeaveError{}
	case TypeSetVideoURL:
		return &SetVideoURL{}
	case TypeSetVideoStart:
		return &SetVideoStart{}
	case TypeSetVideoPause:
		return &SetVideoPause{}
	case TypeSetVideoJump:
		return &SetVideoJump{}
	case TypeError:
		return &Error{}
	}
	return nil
}

func hasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
