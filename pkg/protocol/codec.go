package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/possync/possync/pkg/core"
)

// ErrMalformedMessage is returned for any line that does not decode into one
// of the known message kinds.
var ErrMalformedMessage = errors.New("malformed message")

// Encode serializes msg as a single newline-terminated envelope.
func Encode(msg Message) ([]byte, error) {
	env := Envelope{Type: msg.MessageType()}
	if _, ok := msg.(Heartbeat); !ok {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line (without its terminator) into a Message.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedMessage)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeJoin:
		var m Join
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: join without id", ErrMalformedMessage)
		}
		return m, nil
	case TypeLeave:
		var m Leave
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: leave without id", ErrMalformedMessage)
		}
		return m, nil
	case TypePosition:
		var m Position
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if err := validatePosition(m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedMessage, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
	}
	return nil
}

func validatePosition(m Position) error {
	if m.ID == "" {
		return fmt.Errorf("%w: position without id", ErrMalformedMessage)
	}
	if math.IsNaN(m.X) || math.IsNaN(m.Y) || math.IsInf(m.X, 0) || math.IsInf(m.Y, 0) {
		return fmt.Errorf("%w: position %s has non-finite coordinates", ErrMalformedMessage, m.ID)
	}
	if m.Facing > core.FacingRight {
		return fmt.Errorf("%w: position %s has facing %d", ErrMalformedMessage, m.ID, m.Facing)
	}
	if m.Timestamp < 0 {
		return fmt.Errorf("%w: position %s has negative timestamp", ErrMalformedMessage, m.ID)
	}
	return nil
}
