package main

import (
	"github.com/possync/possync/internal/movement"
	"github.com/possync/possync/pkg/core"
)

// walker is a scripted local participant that walks the edge of a square
// one tile at a time, resting at every corner.
type walker struct {
	corners   []core.Vec2
	next      int
	pos       core.Vec2
	facing    core.Facing
	area      int
	stepTicks int
	pause     int
	countdown int
	hint      movement.Hint
}

func newWalker(origin core.Vec2, side, stepTicks, pause, area int) *walker {
	if side < 1 {
		side = 1
	}
	if stepTicks < 1 {
		stepTicks = 1
	}
	s := float64(side)
	return &walker{
		corners: []core.Vec2{
			origin,
			origin.Add(core.Vec2{X: s}),
			origin.Add(core.Vec2{X: s, Y: s}),
			origin.Add(core.Vec2{Y: s}),
		},
		next:      1,
		pos:       origin,
		facing:    core.FacingRight,
		area:      area,
		stepTicks: stepTicks,
		pause:     pause,
		countdown: pause,
	}
}

func (w *walker) heading() core.Facing {
	return core.FacingOf(w.corners[w.next].Sub(w.pos))
}

// Advance runs one host tick. The hint announces a step one tick before it
// happens, the way held input precedes the authoritative position.
func (w *walker) Advance() {
	w.hint = movement.Hint{}
	if w.countdown > 0 {
		w.countdown--
	} else {
		dir := w.heading()
		w.pos = w.pos.Add(dir.Unit())
		w.facing = dir
		if w.pos == w.corners[w.next] {
			w.next = (w.next + 1) % len(w.corners)
			w.countdown = w.pause
		} else {
			w.countdown = w.stepTicks - 1
		}
	}
	if w.countdown == 0 {
		dir := w.heading()
		w.hint = movement.Hint{Dir: dir, Scroll: dir.Unit()}
	}
}

func (w *walker) LocalPosition() core.Position {
	return core.Position{Pos: w.pos, Facing: w.facing, Area: w.area}
}

func (w *walker) Hint() movement.Hint { return w.hint }
