// Package crop tracks a region of interest around the detected body so the
// next inference runs on a tighter crop of the camera frame.
package crop

import (
	"math"
	"time"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/pose"
)

// Defaults for Config.
const (
	DefaultMinJoints           = 6
	DefaultPaddingX            = 0.40
	DefaultPaddingY            = 0.25
	DefaultSmoothing           = 0.2
	DefaultConfidenceThreshold = 0.15
)

// Config parameterizes a Tracker.
type Config struct {
	// MinJoints is the number of confident joints needed to derive a box.
	// Below it the tracker falls back to the full frame.
	MinJoints int
	// PaddingX and PaddingY pad the joint bounds, as a fraction of their size.
	PaddingX float64
	PaddingY float64
	// Smoothing is the interpolation factor from the previous box to the new one.
	Smoothing           float64
	ConfidenceThreshold float64
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MinJoints:           DefaultMinJoints,
		PaddingX:            DefaultPaddingX,
		PaddingY:            DefaultPaddingY,
		Smoothing:           DefaultSmoothing,
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// Tracker derives the crop box from image-space joints. The zero Rect stands
// for the full frame. Not safe for concurrent use.
type Tracker struct {
	cfg Config

	x, y, width, height *filter.OneEuro

	box    r2.Rect
	hasBox bool
}

// NewTracker returns a tracker with no box.
func NewTracker(cfg Config) *Tracker {
	newEuro := func() *filter.OneEuro {
		return filter.NewOneEuro(filter.DefaultEuroFrequency, filter.DefaultEuroMinCutoff,
			filter.DefaultEuroBeta, filter.DefaultEuroDerivativeCutoff)
	}
	return &Tracker{
		cfg:    cfg,
		x:      newEuro(),
		y:      newEuro(),
		width:  newEuro(),
		height: newEuro(),
	}
}

// Current returns the active box, or the zero Rect for the full frame.
func (t *Tracker) Current() r2.Rect {
	if !t.hasBox {
		return r2.Rect{}
	}
	return t.box
}

// Reset drops the box and the filter history.
func (t *Tracker) Reset() {
	t.box, t.hasBox = r2.Rect{}, false
	t.x.Reset()
	t.y.Reset()
	t.width.Reset()
	t.height.Reset()
}

// Observe folds a decoded frame into the box and returns the new box.
func (t *Tracker) Observe(decoded pose.Frame, now time.Time) r2.Rect {
	next, ok := t.derive(&decoded, now)
	if !ok {
		t.box, t.hasBox = r2.Rect{}, false
		return r2.Rect{}
	}
	if t.hasBox {
		k := t.cfg.Smoothing
		next = clampRect(
			lerp(t.box.X.Lo, next.X.Lo, k),
			lerp(t.box.Y.Lo, next.Y.Lo, k),
			lerp(t.box.X.Length(), next.X.Length(), k),
			lerp(t.box.Y.Length(), next.Y.Length(), k),
		)
	}
	t.box, t.hasBox = next, true
	return next
}

func (t *Tracker) derive(frame *pose.Frame, now time.Time) (r2.Rect, bool) {
	var (
		found      [pose.NumJoints]bool
		positions  [pose.NumJoints]r2.Point
		numFound   int
		minX, minY = math.Inf(1), math.Inf(1)
		maxX, maxY = math.Inf(-1), math.Inf(-1)
	)
	for _, jt := range frame.Types() {
		j, _ := frame.First(jt)
		if j.Confidence <= t.cfg.ConfidenceThreshold {
			continue
		}
		p := j.ImagePosition
		found[jt], positions[jt] = true, p
		numFound++
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	if numFound < t.cfg.MinJoints {
		return r2.Rect{}, false
	}

	ts := float64(now.UnixNano()) / float64(time.Second)
	x := t.x.Filter(r3.Vector{X: minX}, ts).X
	y := t.y.Filter(r3.Vector{X: minY}, ts).X
	width := t.width.Filter(r3.Vector{X: maxX - minX}, ts).X
	height := t.height.Filter(r3.Vector{X: maxY - minY}, ts).X

	px, py := t.cfg.PaddingX, t.cfg.PaddingY
	x -= width * px
	y -= height * py
	width *= 1 + 2*px
	height *= 1 + 2*py

	// grow toward extremities that were not found
	if !found[pose.LeftWrist] || !found[pose.LeftAnkle] {
		e := width * px
		x -= e
		width += 2 * e
	}
	if !found[pose.Top] {
		e := height * py
		y -= e
		height += 2 * e
	}
	if !found[pose.RightWrist] || !found[pose.RightAnkle] {
		e := width * px
		x -= e
		width += 2 * e
	}
	if !found[pose.LeftAnkle] && !found[pose.RightAnkle] {
		e := height * 4 * py
		y -= e
		height += 2 * e
	}

	if found[pose.Pelvis] {
		pelvis := positions[pose.Pelvis]
		var reach float64
		for _, ankle := range []pose.JointType{pose.LeftAnkle, pose.RightAnkle} {
			if found[ankle] {
				reach = math.Max(reach, pelvis.Sub(positions[ankle]).Norm())
			}
		}
		if top := pelvis.Y - reach; top < y {
			height += y - top
			y = top
		}
	}

	return clampRect(x, y, width, height), true
}

// clampRect builds a rect from origin and size, clamped into the unit square.
func clampRect(x, y, width, height float64) r2.Rect {
	x, y = math.Max(x, 0), math.Max(y, 0)
	width, height = math.Min(width, 1-x), math.Min(height, 1-y)
	return r2.Rect{
		X: r1.Interval{Lo: x, Hi: x + width},
		Y: r1.Interval{Lo: y, Hi: y + height},
	}
}

func lerp(from, to, k float64) float64 {
	return from + k*(to-from)
}
