// pkg/core/position.go
package core

import "math"

// Vec2 is a point or displacement on the session's 2D plane.
type Vec2 struct {
	X float64
	Y float64
}

// Add returns v+o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }

// Sub returns v-o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }

// Scale returns v*k.
func (v Vec2) Scale(k float64) Vec2 { return Vec2{X: v.X * k, Y: v.Y * k} }

// Len returns the euclidean length of v.
func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Y) }

// Dist returns the euclidean distance between v and o.
func (v Vec2) Dist(o Vec2) float64 { return v.Sub(o).Len() }

// Lerp interpolates between a and b. t is clamped to [0,1].
func Lerp(a, b Vec2, t float64) Vec2 {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	return Vec2{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}

// Facing is the direction a participant is looking.
type Facing uint8

const (
	FacingNone Facing = iota
	FacingUp
	FacingDown
	FacingLeft
	FacingRight
)

func (f Facing) String() string {
	switch f {
	case FacingUp:
		return "up"
	case FacingDown:
		return "down"
	case FacingLeft:
		return "left"
	case FacingRight:
		return "right"
	default:
		return "none"
	}
}

// Unit returns the unit step for the facing on a y-down grid.
func (f Facing) Unit() Vec2 {
	switch f {
	case FacingUp:
		return Vec2{Y: -1}
	case FacingDown:
		return Vec2{Y: 1}
	case FacingLeft:
		return Vec2{X: -1}
	case FacingRight:
		return Vec2{X: 1}
	default:
		return Vec2{}
	}
}

// FacingOf returns the dominant cardinal direction of d, or FacingNone for a
// zero vector.
func FacingOf(d Vec2) Facing {
	switch {
	case d.X == 0 && d.Y == 0:
		return FacingNone
	case math.Abs(d.X) >= math.Abs(d.Y):
		if d.X > 0 {
			return FacingRight
		}
		return FacingLeft
	case d.Y > 0:
		return FacingDown
	default:
		return FacingUp
	}
}

// Position is a full placement: where, which way, and on which area/map.
type Position struct {
	Pos    Vec2
	Facing Facing
	Area   int
}

// Same reports whether p and o describe the same placement.
func (p Position) Same(o Position) bool {
	return p.Pos == o.Pos && p.Facing == o.Facing && p.Area == o.Area
}

// RenderPosition is what the host draws for a remote entity.
type RenderPosition struct {
	X      float64
	Y      float64
	Facing Facing
	Area   int
}

// Quantize snaps v to a grid of the given size. A non-positive grid returns v
// unchanged.
func Quantize(v Vec2, grid float64) Vec2 {
	if grid <= 0 {
		return v
	}
	return Vec2{X: math.Round(v.X/grid) * grid, Y: math.Round(v.Y/grid) * grid}
}
