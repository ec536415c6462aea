// Package engine is the explicit context object tying the relay transport,
// the local movement classifier and remote playback together behind
// Initialize, Step and Shutdown.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/possync/possync/internal/cache"
	"github.com/possync/possync/internal/dispatcher"
	"github.com/possync/possync/internal/movement"
	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/internal/presence"
	"github.com/possync/possync/internal/transport"
	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
)

var (
	ErrNoParticipant  = errors.New("engine: participant id is required")
	ErrNoTransport    = errors.New("engine: transport is required")
	ErrNoLocalState   = errors.New("engine: local state accessor is required")
	ErrNotInitialized = errors.New("engine: not initialized")
	ErrShutdown       = errors.New("engine: shut down")
)

// Config is the full engine configuration.
type Config struct {
	ParticipantID string
	Address       string
	// TickRate is the host loop frequency in Hz.
	TickRate int
	// RenderGrid quantizes output positions. 0 leaves them unquantized.
	RenderGrid float64

	Transport transport.Config
	Movement  movement.Config
	Playback  playback.Config
	Presence  presence.Config
}

// TickInterval returns the host loop period.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.TickRate)
}

// Transport is the relay connection the engine drives.
type Transport interface {
	Connect(addr string) error
	Poll() []protocol.Message
	Send(msg protocol.Message) error
	Shutdown()
	Status() core.ConnectionStatus
	OnEvent(func(transport.Event))
}

// LocalState reads the local participant's authoritative placement.
type LocalState interface {
	LocalPosition() core.Position
}

// HintSource supplies the early movement signal.
type HintSource interface {
	Hint() movement.Hint
}

// Dependencies are the collaborators handed to New.
type Dependencies struct {
	Transport Transport
	Local     LocalState
	// Hints is optional.
	Hints  HintSource
	Logger *slog.Logger
	// DispatchLogger defaults to Logger.
	DispatchLogger dispatcher.Logger
	Observers      []Observer
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type counted interface {
	Stats() transport.Stats
}

// Engine owns all synchronization state for one session. Every method must
// be called from the same goroutine.
type Engine struct {
	cfg       Config
	transport Transport
	local     LocalState
	hints     HintSource
	logger    *slog.Logger
	observers []Observer
	clock     func() time.Time

	table      *cache.EntityTable
	presence   *presence.Manager
	classifier *movement.Classifier
	dispatch   *dispatcher.Dispatcher

	elapsed       time.Duration
	ticks         uint64
	initialized   bool
	closed        bool
	needsAnnounce bool
	lastTick      TickStats
}

// New wires an engine. Nothing touches the network until Initialize.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.ParticipantID == "" {
		return nil, ErrNoParticipant
	}
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if deps.Local == nil {
		return nil, ErrNoLocalState
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("participant", cfg.ParticipantID)
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		transport: deps.Transport,
		local:     deps.Local,
		hints:     deps.Hints,
		logger:    logger,
		observers: deps.Observers,
		clock:     clock,
		table:     cache.NewEntityTable(cfg.Playback),
	}
	e.presence = presence.New(cfg.Presence, e.table, logger)
	e.presence.OnChange(e.onPresenceChange)
	e.classifier = movement.New(cfg.Movement, cfg.ParticipantID, deps.Transport, logger)

	dl := deps.DispatchLogger
	if dl == nil {
		dl = logger
	}
	d, err := dispatcher.New(dl)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	e.dispatch = d
	e.registerHandlers()

	return e, nil
}

func (e *Engine) registerHandlers() {
	e.dispatch.Register(protocol.TypeJoin, func(in dispatcher.Inbound) error {
		m := in.Message.(protocol.Join)
		if m.ID != e.cfg.ParticipantID {
			e.presence.OnJoin(m.ID, in.ReceivedAt)
		}
		return nil
	})
	e.dispatch.Register(protocol.TypeLeave, func(in dispatcher.Inbound) error {
		m := in.Message.(protocol.Leave)
		if m.ID != e.cfg.ParticipantID {
			e.presence.OnLeave(m.ID, in.ReceivedAt)
		}
		return nil
	})
	e.dispatch.Register(protocol.TypePosition, func(in dispatcher.Inbound) error {
		m := in.Message.(protocol.Position)
		if m.ID == e.cfg.ParticipantID {
			return nil
		}
		outcome := e.presence.OnPosition(m, in.ReceivedAt)
		wp := m.Waypoint()
		for _, o := range e.observers {
			o.ObserveWaypoint(m.ID, wp, outcome)
		}
		return nil
	}, dispatcher.Logged())
	e.dispatch.Register(protocol.TypeHeartbeat, func(in dispatcher.Inbound) error {
		e.presence.OnHeartbeat(in.ReceivedAt)
		return nil
	})
}

// Initialize starts connecting to address, or to the configured address
// when address is empty. It returns without waiting for the connection.
func (e *Engine) Initialize(address string) error {
	if e.closed {
		return ErrShutdown
	}
	if e.initialized {
		return nil
	}
	if address == "" {
		address = e.cfg.Address
	}
	e.transport.OnEvent(e.onTransportEvent)
	if err := e.transport.Connect(address); err != nil {
		return fmt.Errorf("failed to start relay connection: %w", err)
	}
	e.initialized = true
	e.logger.Info("engine initialized", "addr", address)
	return nil
}

// Step runs one tick: poll the relay, apply received messages, classify the
// local sample, then advance every remote entity by dt. It is a no-op before
// Initialize and after Shutdown.
func (e *Engine) Step(dt time.Duration) {
	if !e.initialized || e.closed {
		return
	}
	if dt < 0 {
		dt = 0
	}
	now := e.clock()
	e.elapsed += dt
	e.ticks++

	msgs := e.transport.Poll()
	for _, msg := range msgs {
		if err := e.dispatch.Dispatch(dispatcher.Inbound{Message: msg, ReceivedAt: now}); err != nil {
			e.logger.Debug("relay message not handled", "type", msg.MessageType(), "error", err)
		}
	}

	sample := e.local.LocalPosition()
	if e.needsAnnounce {
		e.needsAnnounce = false
		e.announce(sample)
	}

	var hint movement.Hint
	if e.hints != nil {
		hint = e.hints.Hint()
	}
	e.classifier.Tick(e.elapsed, sample, hint)

	e.presence.Sweep(now)

	stats := TickStats{
		At:       now,
		Elapsed:  e.elapsed,
		Step:     dt,
		Status:   e.transport.Status(),
		Received: len(msgs),
	}
	e.table.Each(func(ent *cache.Entity) {
		switch ent.Playback.Step(dt) {
		case core.PlaybackIdle:
			stats.Idle++
		case core.PlaybackInterpolating:
			stats.Interpolate++
		case core.PlaybackCorrecting:
			stats.Correcting++
		}
		stats.Queued += ent.Playback.Len()
	})
	stats.Entities = e.table.Len()
	cs := e.classifier.Stats()
	stats.Sent, stats.SendFailed = cs.Sent, cs.Failed
	if c, ok := e.transport.(counted); ok {
		ts := c.Stats()
		stats.Malformed, stats.Dropped = ts.Malformed, ts.Dropped
	}
	e.lastTick = stats
	for _, o := range e.observers {
		o.ObserveTick(stats)
	}
}

// announce tells the relay who we are and where, on every (re)connect. A
// failed send is retried next tick while the connection holds.
func (e *Engine) announce(sample core.Position) {
	if err := e.transport.Send(protocol.Join{ID: e.cfg.ParticipantID}); err != nil {
		e.logger.Warn("join not sent", "error", err)
		e.needsAnnounce = e.transport.Status() == core.StatusConnected
		return
	}
	if err := e.classifier.Announce(e.elapsed, sample); err != nil {
		e.logger.Warn("announce not sent", "error", err)
		e.needsAnnounce = e.transport.Status() == core.StatusConnected
	}
}

func (e *Engine) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOutage:
		e.logger.Error("relay outage", "attempts", ev.RetryCount, "backoff", ev.Delay, "error", ev.Err)
	case transport.EventStateChanged:
		e.logger.Info("connection status changed",
			"from", ev.Previous.String(), "to", ev.Status.String(), "retry", ev.RetryCount)
		if ev.Status == core.StatusConnected {
			e.presence.SetStatus(ev.Status)
			e.needsAnnounce = true
		} else {
			e.presence.OnLocalDisconnect(ev.Status)
		}
	}
	for _, o := range e.observers {
		o.ObserveConnection(ev)
	}
}

func (e *Engine) onPresenceChange(ch presence.Change) {
	for _, o := range e.observers {
		o.ObservePresence(ch)
	}
}

// Shutdown sends a best-effort Leave, then closes the relay connection.
// Later calls are no-ops.
func (e *Engine) Shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	if e.initialized && e.transport.Status() == core.StatusConnected {
		if err := e.transport.Send(protocol.Leave{ID: e.cfg.ParticipantID}); err != nil {
			e.logger.Debug("leave not sent", "error", err)
		}
	}
	e.transport.Shutdown()
	e.logger.Info("engine shut down", "ticks", e.ticks, "entities", e.table.Len())
}

// GetRenderPosition returns where to draw the remote entity id.
func (e *Engine) GetRenderPosition(id string) (core.RenderPosition, bool) {
	ent, ok := e.table.Get(id)
	if !ok {
		return core.RenderPosition{}, false
	}
	if _, placed := ent.Playback.Position(); !placed {
		return core.RenderPosition{}, false
	}
	return ent.Playback.Render(e.cfg.RenderGrid), true
}

// PlaybackState returns the diagnostic playback state of id.
func (e *Engine) PlaybackState(id string) (core.PlaybackState, bool) {
	ent, ok := e.table.Get(id)
	if !ok {
		return core.PlaybackIdle, false
	}
	return ent.Playback.State(), true
}

// EntityIDs returns the tracked remote participants in sorted order.
func (e *Engine) EntityIDs() []string {
	return e.table.IDs()
}

// ConnectionStatus returns the relay connection status.
func (e *Engine) ConnectionStatus() core.ConnectionStatus {
	return e.transport.Status()
}

// MovementState returns the local classifier state.
func (e *Engine) MovementState() movement.State {
	return e.classifier.State()
}

// Elapsed returns the session clock used for send timestamps.
func (e *Engine) Elapsed() time.Duration { return e.elapsed }

// LastTick returns the stats of the most recent Step.
func (e *Engine) LastTick() TickStats { return e.lastTick }

// ParticipantID returns the local participant id.
func (e *Engine) ParticipantID() string { return e.cfg.ParticipantID }
