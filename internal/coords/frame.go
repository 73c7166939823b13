// Package coords maps pointer positions and captured imagery between the
// fixed reference frame that operators and models reason in and the true
// rendered viewport of a browser target.
package coords

import (
	"fmt"
	"math"
)

// DefaultReference is the reference resolution used when none is configured.
var DefaultReference = Size{W: 1280, H: 720}

type Size struct {
	W int `json:"width"`
	H int `json:"height"`
}

func (s Size) Valid() bool { return s.W > 0 && s.H > 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.W, s.H) }

// Center returns the centre pixel of s.
func (s Size) Center() Point {
	return Point{X: float64(s.W / 2), Y: float64(s.H / 2)}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Round returns p with both axes rounded to the nearest integer pixel.
func (p Point) Round() Point {
	return Point{X: math.Round(p.X), Y: math.Round(p.Y)}
}

// Frame pairs the reference resolution with the true viewport size of one
// target. Both frames use a top-left origin with x growing right and y
// growing down.
type Frame struct {
	Reference Size
	True      Size
}

// NewFrame returns a frame or an error when either size is not positive.
func NewFrame(reference, viewport Size) (Frame, error) {
	if !reference.Valid() {
		return Frame{}, fmt.Errorf("reference size %s must be positive", reference)
	}
	if !viewport.Valid() {
		return Frame{}, fmt.Errorf("viewport size %s must be positive", viewport)
	}
	return Frame{Reference: reference, True: viewport}, nil
}

func (f Frame) scaleX() float64 { return float64(f.True.W) / float64(f.Reference.W) }
func (f Frame) scaleY() float64 { return float64(f.True.H) / float64(f.Reference.H) }

// ToTrue maps a reference-frame point into the true viewport. The result is
// clamped to [0, True-1] on each axis.
func (f Frame) ToTrue(p Point) Point {
	return Point{
		X: clamp(p.X*f.scaleX(), float64(f.True.W-1)),
		Y: clamp(p.Y*f.scaleY(), float64(f.True.H-1)),
	}
}

// ToReference maps a true viewport point back into the reference frame.
// It does not clamp.
func (f Frame) ToReference(q Point) Point {
	return Point{
		X: q.X / f.scaleX(),
		Y: q.Y / f.scaleY(),
	}
}

// Delta scales a relative movement from the reference frame into the true
// viewport without clamping.
func (f Frame) Delta(dx, dy float64) (float64, float64) {
	return dx * f.scaleX(), dy * f.scaleY()
}

// Contains reports whether p lies in the part of the reference frame that
// ToTrue maps without clamping. ToReference(ToTrue(p)) == p holds for these
// points up to rounding.
func (f Frame) Contains(p Point) bool {
	maxX := float64(f.True.W-1) / f.scaleX()
	maxY := float64(f.True.H-1) / f.scaleY()
	return p.X >= 0 && p.Y >= 0 && p.X <= maxX && p.Y <= maxY
}

func clamp(v, hi float64) float64 {
	if hi < 0 {
		hi = 0
	}
	return math.Max(0, math.Min(v, hi))
}
