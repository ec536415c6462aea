// Package protocol defines the relay wire format: one JSON envelope per line,
// carrying a closed set of message kinds.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/possync/possync/pkg/core"
)

// Type is the envelope discriminator.
type Type string

// Message type constants matching the relay protocol.
const (
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypePosition  Type = "position"
	TypeHeartbeat Type = "heartbeat"
)

// Envelope wraps every line sent over the relay connection.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by Join, Leave, Position and Heartbeat only.
type Message interface {
	MessageType() Type
	message()
}

// Join announces a participant.
type Join struct {
	ID string `json:"id"`
}

// Leave withdraws a participant.
type Leave struct {
	ID string `json:"id"`
}

// Position is one waypoint report for a participant.
// Timestamp is the sender's session clock in milliseconds.
type Position struct {
	ID        string      `json:"id"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	Facing    core.Facing `json:"facing"`
	Area      int         `json:"area"`
	Timestamp int64       `json:"ts"`
	Teleport  bool        `json:"teleport,omitempty"`
}

// Heartbeat keeps an otherwise quiet connection alive.
type Heartbeat struct{}

func (Join) MessageType() Type      { return TypeJoin }
func (Leave) MessageType() Type     { return TypeLeave }
func (Position) MessageType() Type  { return TypePosition }
func (Heartbeat) MessageType() Type { return TypeHeartbeat }

func (Join) message()      {}
func (Leave) message()     {}
func (Position) message()  {}
func (Heartbeat) message() {}

// Waypoint converts the report into a playback waypoint.
func (p Position) Waypoint() core.Waypoint {
	return core.Waypoint{
		Position: core.Position{
			Pos:    core.Vec2{X: p.X, Y: p.Y},
			Facing: p.Facing,
			Area:   p.Area,
		},
		SentAt:   time.Duration(p.Timestamp) * time.Millisecond,
		Teleport: p.Teleport,
	}
}

// PositionFrom builds the wire report for a local waypoint.
func PositionFrom(id string, wp core.Waypoint) Position {
	return Position{
		ID:        id,
		X:         wp.Pos.X,
		Y:         wp.Pos.Y,
		Facing:    wp.Facing,
		Area:      wp.Area,
		Timestamp: wp.SentAt.Milliseconds(),
		Teleport:  wp.Teleport,
	}
}
