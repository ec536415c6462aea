// Package playback replays the waypoints received for one remote entity as
// continuous motion.
//
// Each entity owns a FIFO of waypoints. Step advances a progress fraction
// through the head segment; the segment's duration comes from the sender's
// timestamps, is divided by the backlog depth so a backed-up queue drains
// faster than real time, and is padded slightly to absorb jitter. Several
// waypoints may be consumed in a single Step when dt is large.
package playback

import (
	"time"

	"github.com/possync/possync/internal/queue"
	"github.com/possync/possync/pkg/core"
)

// Outcome reports what Enqueue did with a waypoint.
type Outcome int

const (
	Appended Outcome = iota
	Duplicate
	Reset
	Overflowed
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	case Reset:
		return "reset"
	case Overflowed:
		return "overflowed"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters for one entity's playback.
type Stats struct {
	Consumed   uint64
	Duplicates uint64
	Resets     uint64
	Overflows  uint64
}

// Playback is the per-entity playback cursor. Not safe for concurrent use.
type Playback struct {
	cfg   Config
	queue *queue.Queue[core.Waypoint]

	placed  bool
	hasPrev bool
	prev    core.Waypoint // last consumed waypoint

	origin     core.Vec2 // start of the head segment
	progress   float64   // fraction of the head segment already played
	correcting bool      // head segment started from an extrapolated origin

	rendered core.Position
	velocity core.Vec2 // units per second, from the last consumed segment
	idleFor  time.Duration
	state    core.PlaybackState

	stats     Stats
	onConsume func(core.Waypoint)
}

// New creates an empty playback. It has no position until the first
// waypoint is enqueued.
func New(cfg Config) *Playback {
	return &Playback{
		cfg:   cfg.normalized(),
		queue: queue.New[core.Waypoint](),
		state: core.PlaybackIdle,
	}
}

// OnConsume registers a hook called, in order, for every waypoint that is
// fully played back.
func (p *Playback) OnConsume(fn func(core.Waypoint)) {
	p.onConsume = fn
}

// Enqueue adds a received waypoint to the backlog.
func (p *Playback) Enqueue(wp core.Waypoint) Outcome {
	ref := p.reference()
	if !p.placed || wp.Teleport {
		if p.placed && wp.SameAs(ref) && !p.drifted() {
			p.stats.Duplicates++
			return Duplicate
		}
		p.reset(wp)
		return Reset
	}

	// A repeat of the resting placement still pulls an extrapolated entity
	// back to where it stopped.
	if wp.SameAs(ref) && !p.drifted() {
		p.stats.Duplicates++
		return Duplicate
	}

	if wp.SentAt < ref.SentAt {
		wp.SentAt = ref.SentAt
	}

	if p.isJump(ref, wp) {
		wp.Teleport = true
		p.reset(wp)
		return Reset
	}

	outcome := Appended
	if p.queue.Len() >= p.cfg.MaxQueue {
		p.dropOldest()
		p.stats.Overflows++
		outcome = Overflowed
	}

	if p.queue.Empty() {
		p.origin = p.rendered.Pos
		p.progress = 0
		p.correcting = p.hasPrev && p.rendered.Pos != p.prev.Pos
	}
	p.queue.Push(wp)
	return outcome
}

// reference is the last accepted waypoint: the queue tail, or the last
// consumed one once the backlog has drained.
func (p *Playback) reference() core.Waypoint {
	if tail, ok := p.queue.Tail(); ok {
		return tail
	}
	return p.prev
}

// drifted reports whether extrapolation has carried the rendered position
// away from the last consumed waypoint.
func (p *Playback) drifted() bool {
	return p.queue.Empty() && p.hasPrev && p.rendered.Pos != p.prev.Pos
}

func (p *Playback) isJump(ref, wp core.Waypoint) bool {
	if wp.Area != ref.Area {
		return true
	}
	if p.cfg.TeleportDistance <= 0 {
		return false
	}
	elapsed := wp.SentAt - ref.SentAt
	scale := float64(elapsed) / float64(p.cfg.DefaultSegment)
	if scale < 1 {
		scale = 1
	}
	return wp.Pos.Dist(ref.Pos) > p.cfg.TeleportDistance*scale
}

// reset clears the backlog and snaps to wp. wp stays queued as a
// zero-length segment so the next Step consumes it.
func (p *Playback) reset(wp core.Waypoint) {
	wp.Teleport = true
	p.queue.Clear()
	p.queue.Push(wp)

	p.placed = true
	p.origin = wp.Pos
	p.progress = 0
	p.correcting = false
	p.rendered = wp.Position
	p.velocity = core.Vec2{}
	p.idleFor = 0
	p.stats.Resets++
}

// dropOldest removes the oldest non-teleport waypoint behind the active
// head, falling back to the head itself.
func (p *Playback) dropOldest() {
	idx := p.queue.IndexFunc(1, func(w core.Waypoint) bool { return !w.Teleport })
	if idx < 0 {
		idx = 0
	}
	p.queue.RemoveAt(idx)
	if idx == 0 {
		p.origin = p.rendered.Pos
		p.progress = 0
	}
}

// Step advances playback by dt and returns the diagnostic state.
func (p *Playback) Step(dt time.Duration) core.PlaybackState {
	if !p.placed {
		p.state = core.PlaybackIdle
		return p.state
	}
	if dt < 0 {
		dt = 0
	}

	remaining := dt
	for !p.queue.Empty() {
		head, _ := p.queue.Peek()
		dur := p.segmentDuration(head)
		if dur <= 0 {
			p.consume()
			continue
		}
		need := time.Duration((1 - p.progress) * float64(dur))
		if remaining >= need {
			remaining -= need
			p.consume()
			continue
		}
		p.progress += float64(remaining) / float64(dur)
		remaining = 0
		break
	}

	if head, ok := p.queue.Peek(); ok {
		p.idleFor = 0
		p.rendered = core.Position{
			Pos:    core.Lerp(p.origin, head.Pos, p.progress),
			Facing: head.Facing,
			Area:   head.Area,
		}
		if p.correcting {
			p.state = core.PlaybackCorrecting
		} else {
			p.state = core.PlaybackInterpolating
		}
		return p.state
	}

	p.idleFor += remaining
	p.rendered.Pos = p.extrapolated()
	p.state = core.PlaybackIdle
	return p.state
}

func (p *Playback) segmentDuration(head core.Waypoint) time.Duration {
	if head.Teleport {
		return 0
	}
	base := p.cfg.DefaultSegment
	if p.hasPrev {
		if d := head.SentAt - p.prev.SentAt; d >= p.cfg.MinSegment && d <= p.cfg.MaxSegment && d > 0 {
			base = d
		}
	}
	depth := p.queue.Len()
	if depth < 1 {
		depth = 1
	}
	return time.Duration(float64(base) / float64(depth) * p.cfg.Padding)
}

func (p *Playback) consume() {
	head := p.queue.Pop()

	p.velocity = core.Vec2{}
	if p.hasPrev && !head.Teleport && head.Area == p.prev.Area {
		if d := head.SentAt - p.prev.SentAt; d > 0 {
			p.velocity = head.Pos.Sub(p.prev.Pos).Scale(1 / d.Seconds())
		}
	}

	p.prev = head
	p.hasPrev = true
	p.origin = head.Pos
	p.progress = 0
	p.correcting = false
	p.rendered = head.Position
	p.idleFor = 0
	p.stats.Consumed++

	if p.onConsume != nil {
		p.onConsume(head)
	}
}

func (p *Playback) extrapolated() core.Vec2 {
	if !p.hasPrev || !p.cfg.extrapolates() || p.velocity == (core.Vec2{}) {
		if p.hasPrev {
			return p.prev.Pos
		}
		return p.rendered.Pos
	}
	t := p.idleFor
	if t > p.cfg.MaxExtrapolationTime {
		t = p.cfg.MaxExtrapolationTime
	}
	off := p.velocity.Scale(t.Seconds())
	if l := off.Len(); l > p.cfg.MaxExtrapolationDistance {
		off = off.Scale(p.cfg.MaxExtrapolationDistance / l)
	}
	return p.prev.Pos.Add(off)
}

// Position returns the last rendered placement in full precision.
func (p *Playback) Position() (core.Position, bool) {
	return p.rendered, p.placed
}

// Render returns the placement to draw, snapped to grid.
func (p *Playback) Render(grid float64) core.RenderPosition {
	pos := core.Quantize(p.rendered.Pos, grid)
	return core.RenderPosition{
		X:      pos.X,
		Y:      pos.Y,
		Facing: p.rendered.Facing,
		Area:   p.rendered.Area,
	}
}

// Segment returns the endpoints of the segment being played, if any.
func (p *Playback) Segment() (from, to core.Vec2, ok bool) {
	head, ok := p.queue.Peek()
	if !ok {
		return core.Vec2{}, core.Vec2{}, false
	}
	return p.origin, head.Pos, true
}

// Progress returns the played fraction of the head segment.
func (p *Playback) Progress() float64 { return p.progress }

// Len returns the backlog depth, including the segment being played.
func (p *Playback) Len() int { return p.queue.Len() }

// State returns the diagnostic state from the last Step.
func (p *Playback) State() core.PlaybackState { return p.state }

// Velocity returns the current velocity estimate in units per second.
func (p *Playback) Velocity() core.Vec2 { return p.velocity }

// Stats returns cumulative counters.
func (p *Playback) Stats() Stats { return p.stats }
