// Package movement decides when the local participant's position is worth
// transmitting.
package movement

import (
	"log/slog"
	"time"

	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
)

// State is the classifier's motion state.
type State int

const (
	Idle State = iota
	Moving
)

func (s State) String() string {
	if s == Moving {
		return "moving"
	}
	return "idle"
}

// Reason tags why a waypoint was sent.
type Reason int

const (
	ReasonStart Reason = iota
	ReasonMove
	ReasonPredict
	ReasonCorrect
	ReasonFinal
	ReasonHeartbeat
	ReasonTeleport
	ReasonAnnounce
)

var reasonNames = [...]string{"start", "move", "predict", "correct", "final", "heartbeat", "teleport", "announce"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Config holds the send policy, in ticks of the host loop.
type Config struct {
	// SendIntervalTicks is the minimum spacing of ordinary sends while moving.
	SendIntervalTicks int
	// IdleDebounceTicks of no change end a movement with one final waypoint.
	IdleDebounceTicks int
	// HeartbeatTicks spaces idle resends. 0 disables.
	HeartbeatTicks int
	// HintLeadTicks is how long a predicted waypoint may wait for the
	// authoritative position to confirm it.
	HintLeadTicks int
	// PredictStep is how far ahead of the current position a predicted
	// waypoint is placed.
	PredictStep float64
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SendIntervalTicks: 3,
		IdleDebounceTicks: 30,
		HeartbeatTicks:    300,
		HintLeadTicks:     4,
		PredictStep:       1,
	}
}

// Hint is the early movement signal read alongside each sample.
type Hint struct {
	// Dir is the held input direction, FacingNone when there is none.
	Dir core.Facing
	// Scroll is an independently derived offset delta for this tick.
	Scroll core.Vec2
}

// Confirmed reports whether the input direction and the scroll delta agree.
func (h Hint) Confirmed() bool {
	return h.Dir != core.FacingNone && core.FacingOf(h.Scroll) == h.Dir
}

// Sender is the outbound side of the transport.
type Sender interface {
	Send(msg protocol.Message) error
}

// Stats are cumulative send counters.
type Stats struct {
	Sent   uint64
	Failed uint64
}

type prediction struct {
	pos      core.Position
	deadline uint64
}

// Classifier runs the Idle/Moving state machine for the local participant.
// It is driven once per tick and is not safe for concurrent use.
type Classifier struct {
	cfg    Config
	id     string
	out    Sender
	logger *slog.Logger

	state   State
	tick    uint64
	started bool

	current        core.Position
	lastSent       core.Position
	lastSendTick   uint64
	lastChangeTick uint64
	pending        *prediction

	stats  Stats
	onSend func(Reason, protocol.Position)
}

// New creates a classifier sending reports for participant id through out.
func New(cfg Config, id string, out Sender, logger *slog.Logger) *Classifier {
	if cfg.SendIntervalTicks < 1 {
		cfg.SendIntervalTicks = 1
	}
	if cfg.IdleDebounceTicks < 1 {
		cfg.IdleDebounceTicks = 1
	}
	if cfg.HintLeadTicks < 1 {
		cfg.HintLeadTicks = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		cfg:    cfg,
		id:     id,
		out:    out,
		logger: logger.With("component", "movement"),
	}
}

// OnSend registers a hook called after every send attempt.
func (c *Classifier) OnSend(fn func(Reason, protocol.Position)) {
	c.onSend = fn
}

// Announce sends sample as a teleport, regardless of state or throttling.
// Used whenever the relay session (re)starts.
func (c *Classifier) Announce(now time.Duration, sample core.Position) error {
	c.observe(sample)
	c.pending = nil
	return c.send(now, sample, true, ReasonAnnounce)
}

// Tick feeds one authoritative sample and the early hint for this tick.
func (c *Classifier) Tick(now time.Duration, sample core.Position, hint Hint) {
	c.tick++
	if !c.started {
		c.observe(sample)
		c.lastSendTick = c.tick
		return
	}

	prev := c.current
	c.current = sample
	changed := !sample.Same(prev)

	if sample.Area != prev.Area {
		c.pending = nil
		c.state = Moving
		c.lastChangeTick = c.tick
		_ = c.send(now, sample, true, ReasonTeleport)
		return
	}

	if c.pending != nil {
		c.reconcile(now, sample, changed)
		return
	}

	switch c.state {
	case Idle:
		c.tickIdle(now, sample, hint, changed)
	case Moving:
		c.tickMoving(now, sample, changed)
	}
}

func (c *Classifier) observe(sample core.Position) {
	c.started = true
	c.current = sample
}

func (c *Classifier) tickIdle(now time.Duration, sample core.Position, hint Hint, changed bool) {
	switch {
	case changed:
		c.state = Moving
		c.lastChangeTick = c.tick
		_ = c.send(now, sample, false, ReasonStart)
	case hint.Confirmed():
		predicted := core.Position{
			Pos:    sample.Pos.Add(hint.Dir.Unit().Scale(c.cfg.PredictStep)),
			Facing: hint.Dir,
			Area:   sample.Area,
		}
		c.state = Moving
		c.lastChangeTick = c.tick
		c.pending = &prediction{pos: predicted, deadline: c.tick + uint64(c.cfg.HintLeadTicks)}
		_ = c.send(now, predicted, false, ReasonPredict)
	case c.cfg.HeartbeatTicks > 0 && c.tick-c.lastSendTick >= uint64(c.cfg.HeartbeatTicks):
		_ = c.send(now, sample, false, ReasonHeartbeat)
	}
}

func (c *Classifier) tickMoving(now time.Duration, sample core.Position, changed bool) {
	if changed {
		c.lastChangeTick = c.tick
	}
	if !sample.Same(c.lastSent) && c.tick-c.lastSendTick >= uint64(c.cfg.SendIntervalTicks) {
		_ = c.send(now, sample, false, ReasonMove)
		return
	}
	if c.tick-c.lastChangeTick >= uint64(c.cfg.IdleDebounceTicks) {
		c.state = Idle
		_ = c.send(now, sample, false, ReasonFinal)
	}
}

// reconcile settles an outstanding predicted waypoint against the
// authoritative sample.
func (c *Classifier) reconcile(now time.Duration, sample core.Position, changed bool) {
	switch {
	case changed && sample.Same(c.pending.pos):
		c.pending = nil
		c.lastChangeTick = c.tick
	case changed:
		c.pending = nil
		c.lastChangeTick = c.tick
		_ = c.send(now, sample, false, ReasonCorrect)
	case c.tick >= c.pending.deadline:
		c.pending = nil
		c.lastChangeTick = c.tick
		_ = c.send(now, sample, false, ReasonCorrect)
	}
}

func (c *Classifier) send(now time.Duration, pos core.Position, teleport bool, reason Reason) error {
	msg := protocol.PositionFrom(c.id, core.Waypoint{Position: pos, SentAt: now, Teleport: teleport})

	c.lastSent = pos
	c.lastSendTick = c.tick

	err := c.out.Send(msg)
	if err != nil {
		c.stats.Failed++
		c.logger.Debug("position not sent", "reason", reason.String(), "error", err)
	} else {
		c.stats.Sent++
	}
	if c.onSend != nil {
		c.onSend(reason, msg)
	}
	return err
}

// State returns the motion state.
func (c *Classifier) State() State { return c.state }

// Predicting reports whether a predicted waypoint awaits confirmation.
func (c *Classifier) Predicting() bool { return c.pending != nil }

// LastSent returns the most recently transmitted placement.
func (c *Classifier) LastSent() core.Position { return c.lastSent }

// Stats returns cumulative counters.
func (c *Classifier) Stats() Stats { return c.stats }
