package engine

import (
	"time"

	"github.com/possync/possync/internal/movement"
	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/internal/presence"
	"github.com/possync/possync/internal/transport"
	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
)

// fakeTransport is an in-memory relay link driven by the test.
type fakeTransport struct {
	status    core.ConnectionStatus
	addr      string
	inbox     []protocol.Message
	sent      []protocol.Message
	listeners []func(transport.Event)
	shutdown  bool
	stats     transport.Stats
	// failSends rejects that many sends as if the queue were full.
	failSends int
}

func (f *fakeTransport) Connect(addr string) error {
	f.addr = addr
	f.set(core.StatusConnecting)
	return nil
}

func (f *fakeTransport) Poll() []protocol.Message {
	msgs := f.inbox
	f.inbox = nil
	return msgs
}

func (f *fakeTransport) Send(msg protocol.Message) error {
	if f.shutdown {
		return transport.ErrClosed
	}
	if f.status != core.StatusConnected {
		return transport.ErrNotConnected
	}
	if f.failSends > 0 {
		f.failSends--
		return transport.ErrSendQueueFull
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Shutdown() {
	f.shutdown = true
	f.status = core.StatusDisconnected
}

func (f *fakeTransport) Status() core.ConnectionStatus { return f.status }

func (f *fakeTransport) OnEvent(fn func(transport.Event)) {
	f.listeners = append(f.listeners, fn)
}

func (f *fakeTransport) Stats() transport.Stats { return f.stats }

func (f *fakeTransport) set(s core.ConnectionStatus) {
	prev := f.status
	f.status = s
	for _, fn := range f.listeners {
		fn(transport.Event{Kind: transport.EventStateChanged, Status: s, Previous: prev})
	}
}

func (f *fakeTransport) deliver(msgs ...protocol.Message) {
	f.inbox = append(f.inbox, msgs...)
}

func (f *fakeTransport) positions() []protocol.Position {
	var out []protocol.Position
	for _, m := range f.sent {
		if p, ok := m.(protocol.Position); ok {
			out = append(out, p)
		}
	}
	return out
}

// walker is a scripted local participant.
type walker struct {
	pos  core.Position
	hint movement.Hint
}

func (w *walker) LocalPosition() core.Position { return w.pos }
func (w *walker) Hint() movement.Hint          { return w.hint }

type recordingObserver struct {
	NopObserver
	ticks     []TickStats
	waypoints []string
	changes   []presence.Change
	events    []transport.Event
	outcomes  []playback.Outcome
}

func (r *recordingObserver) ObserveTick(s TickStats) { r.ticks = append(r.ticks, s) }

func (r *recordingObserver) ObserveWaypoint(id string, _ core.Waypoint, o playback.Outcome) {
	r.waypoints = append(r.waypoints, id)
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) ObservePresence(c presence.Change) { r.changes = append(r.changes, c) }

func (r *recordingObserver) ObserveConnection(ev transport.Event) { r.events = append(r.events, ev) }

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }
