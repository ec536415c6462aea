// pkg/core/waypoint.go
package core

import "time"

// Waypoint is one timestamped target for a remote entity's playback.
// SentAt is measured on the sender's session clock.
type Waypoint struct {
	Position
	SentAt   time.Duration
	Teleport bool
}

// SameAs reports whether w and o target the same placement. Timestamps and
// the teleport flag are ignored.
func (w Waypoint) SameAs(o Waypoint) bool {
	return w.Position.Same(o.Position)
}
