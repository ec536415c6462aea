// pkg/core/status.go
package core

// ConnectionStatus is the lifecycle state of the relay connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// PlaybackState is a diagnostic tag for an entity's playback on a tick.
// Nothing in the engine branches on it; it exists for observers.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackInterpolating
	PlaybackCorrecting
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackInterpolating:
		return "interpolating"
	case PlaybackCorrecting:
		return "correcting"
	default:
		return "unknown"
	}
}
