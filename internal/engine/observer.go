package engine

import (
	"time"

	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/internal/presence"
	"github.com/possync/possync/internal/transport"
	"github.com/possync/possync/pkg/core"
)

// TickStats summarizes one Step.
type TickStats struct {
	At          time.Time
	Elapsed     time.Duration
	Step        time.Duration
	Status      core.ConnectionStatus
	Entities    int
	Queued      int
	Idle        int
	Interpolate int
	Correcting  int
	Received    int
	Sent        uint64
	SendFailed  uint64
	Malformed   uint64
	Dropped     uint64
}

// Observer receives engine activity for telemetry and tracing. Calls happen
// on the tick goroutine and must not block.
type Observer interface {
	ObserveTick(TickStats)
	ObserveWaypoint(id string, wp core.Waypoint, outcome playback.Outcome)
	ObserveConnection(transport.Event)
	ObservePresence(presence.Change)
}

// NopObserver ignores everything. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) ObserveTick(TickStats)                                   {}
func (NopObserver) ObserveWaypoint(string, core.Waypoint, playback.Outcome) {}
func (NopObserver) ObserveConnection(transport.Event)                       {}
func (NopObserver) ObservePresence(presence.Change)                         {}
