// Package presence tracks which remote participants exist. Entities are
// created on Join or on their first Position and removed only on Leave, or
// by Sweep when a stale timeout is configured.
package presence

import (
	"log/slog"
	"time"

	"github.com/possync/possync/internal/cache"
	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
)

// Config tunes presence tracking.
type Config struct {
	// StaleAfter evicts entities not heard from for this long. 0 keeps
	// entities until they leave.
	StaleAfter time.Duration
}

// ChangeKind distinguishes membership changes.
type ChangeKind int

const (
	Joined ChangeKind = iota
	Left
	Evicted
)

func (k ChangeKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Change is one membership change.
type Change struct {
	Kind ChangeKind
	ID   string
}

// Manager applies presence messages to an EntityTable.
type Manager struct {
	cfg    Config
	table  *cache.EntityTable
	logger *slog.Logger

	status    core.ConnectionStatus
	lastRelay time.Time
	onChange  func(Change)
}

// New creates a manager over table.
func New(cfg Config, table *cache.EntityTable, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		table:  table,
		logger: logger.With("component", "presence"),
		status: core.StatusDisconnected,
	}
}

// OnChange registers a membership hook.
func (m *Manager) OnChange(fn func(Change)) {
	m.onChange = fn
}

func (m *Manager) notify(kind ChangeKind, id string) {
	if m.onChange != nil {
		m.onChange(Change{Kind: kind, ID: id})
	}
}

// OnJoin tracks id. Joining an already known id only refreshes it.
func (m *Manager) OnJoin(id string, now time.Time) *cache.Entity {
	m.lastRelay = now
	e, created := m.table.Ensure(id, now)
	e.LastSeen = now
	if created {
		m.logger.Info("participant joined", "id", id)
		m.notify(Joined, id)
	}
	return e
}

// OnLeave drops id and its queue. Unknown ids are ignored.
func (m *Manager) OnLeave(id string, now time.Time) {
	m.lastRelay = now
	if m.table.Remove(id) {
		m.logger.Info("participant left", "id", id)
		m.notify(Left, id)
	}
}

// OnPosition enqueues the report, joining the participant implicitly when it
// has not been seen before.
func (m *Manager) OnPosition(msg protocol.Position, now time.Time) playback.Outcome {
	e := m.OnJoin(msg.ID, now)
	return e.Playback.Enqueue(msg.Waypoint())
}

// OnHeartbeat records relay liveness.
func (m *Manager) OnHeartbeat(now time.Time) {
	m.lastRelay = now
}

// OnLocalDisconnect mirrors the local connection status. Remote entities are
// left untouched; the relay stays their source of truth.
func (m *Manager) OnLocalDisconnect(status core.ConnectionStatus) {
	m.status = status
}

// SetStatus mirrors a connection status change.
func (m *Manager) SetStatus(status core.ConnectionStatus) {
	m.status = status
}

// Sweep evicts entities silent for longer than StaleAfter and returns their
// ids. It does nothing while disconnected or when StaleAfter is 0.
func (m *Manager) Sweep(now time.Time) []string {
	if m.cfg.StaleAfter <= 0 || m.status != core.StatusConnected {
		return nil
	}
	var stale []string
	m.table.Each(func(e *cache.Entity) {
		if now.Sub(e.LastSeen) > m.cfg.StaleAfter {
			stale = append(stale, e.ID)
		}
	})
	for _, id := range stale {
		m.table.Remove(id)
		m.logger.Info("participant evicted", "id", id, "staleAfter", m.cfg.StaleAfter)
		m.notify(Evicted, id)
	}
	return stale
}

// Status returns the mirrored connection status.
func (m *Manager) Status() core.ConnectionStatus { return m.status }

// LastRelayContact returns when the relay was last heard from.
func (m *Manager) LastRelayContact() time.Time { return m.lastRelay }

// Table returns the managed table.
func (m *Manager) Table() *cache.EntityTable { return m.table }
