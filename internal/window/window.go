// Package window keeps the rolling history of decoded pose frames and runs the
// active filter's spatial and temporal stages over it.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/pose"
)

// Accumulation selects which frame feeds the per-joint sample history.
type Accumulation int

const (
	// AccumulateUnfiltered adds confident joints of the raw decoded frame,
	// before the spatial stage. Joints the spatial stage rejected still enter
	// the history.
	AccumulateUnfiltered Accumulation = iota
	// AccumulateFiltered adds confident joints of the spatially filtered frame.
	AccumulateFiltered
)

func (a Accumulation) String() string {
	switch a {
	case AccumulateUnfiltered:
		return "unfiltered"
	case AccumulateFiltered:
		return "filtered"
	}
	return fmt.Sprintf("accumulation(%d)", int(a))
}

// ParseAccumulation maps "unfiltered" / "filtered" to an Accumulation.
// The empty string selects AccumulateUnfiltered.
func ParseAccumulation(s string) (Accumulation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unfiltered":
		return AccumulateUnfiltered, nil
	case "filtered":
		return AccumulateFiltered, nil
	}
	return 0, fmt.Errorf("unknown accumulation strategy %q", s)
}

// Config parameterizes a Window.
type Config struct {
	// TrackingPeriod is the window length. Zero disables temporal smoothing:
	// FilterJoints returns the spatially filtered frame and keeps no history.
	TrackingPeriod time.Duration

	// ConfidenceThreshold is the minimum confidence (exclusive) for a sample
	// to enter the accumulated history.
	ConfidenceThreshold float64

	Accumulation Accumulation

	// Now is the window clock. Defaults to time.Now.
	Now func() time.Time
}

// Window is the stateful accumulator behind filterJoints.
//
// Thread-safety: none. A Window is owned by the scheduler's worker goroutine
// and is only ever touched from there, one frame at a time.
type Window struct {
	cfg    Config
	filter filter.Filter

	frames   []pose.Frame
	combined pose.Frame
}

// New returns an empty window running f.
func New(cfg Config, f filter.Filter) *Window {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Window{cfg: cfg, filter: f}
}

// FilterJoints folds newFrame into the window and returns the output frame.
//
// Algorithm:
//  1. spatial = filter.SpatialFilter(frames, combined, newFrame)
//  2. windowStart = now - TrackingPeriod
//  3. drop combined samples created before windowStart
//  4. drop frames whose representative time (Frame.Earliest) is before
//     windowStart; empty frames are dropped too
//  5. append spatial to frames
//  6. append every sample of the accumulation source (newFrame by default)
//     with confidence above the threshold to combined
//  7. return filter.TemporalFilter(frames, combined, spatial)
//
// After it returns, every sample held in frames and combined has a creation
// time at or after windowStart.
func (w *Window) FilterJoints(newFrame pose.Frame) pose.Frame {
	spatial := w.filter.SpatialFilter(w.frames, w.combined, newFrame)
	if w.cfg.TrackingPeriod <= 0 {
		return spatial
	}

	windowStart := w.cfg.Now().Add(-w.cfg.TrackingPeriod)

	w.combined.DropBefore(windowStart)
	w.evictFrames(windowStart)

	appended := spatial.Clone()
	appended.DropBefore(windowStart)
	w.frames = append(w.frames, appended)

	source := newFrame
	if w.cfg.Accumulation == AccumulateFiltered {
		source = spatial
	}
	source.Each(func(j pose.InferredJoint) {
		if j.Confidence > w.cfg.ConfidenceThreshold && !j.CreatedAt.Before(windowStart) {
			w.combined.Add(j)
		}
	})

	return w.filter.TemporalFilter(w.frames, w.combined, spatial)
}

func (w *Window) evictFrames(windowStart time.Time) {
	kept := w.frames[:0]
	for _, f := range w.frames {
		at, ok := f.Earliest()
		if !ok || at.Before(windowStart) {
			continue
		}
		kept = append(kept, f)
	}
	// release evicted frames still referenced by the tail of the backing array
	for i := len(kept); i < len(w.frames); i++ {
		w.frames[i] = pose.Frame{}
	}
	w.frames = kept
}

// Filter returns the active filter.
func (w *Window) Filter() filter.Filter {
	return w.filter
}

// SetFilter swaps the active filter. History is kept.
func (w *Window) SetFilter(f filter.Filter) {
	w.filter = f
}

// TrackingPeriod returns the configured window length.
func (w *Window) TrackingPeriod() time.Duration {
	return w.cfg.TrackingPeriod
}

// SetTrackingPeriod changes the window length; the next FilterJoints call
// evicts against the new length.
func (w *Window) SetTrackingPeriod(d time.Duration) {
	w.cfg.TrackingPeriod = d
}

// Accumulation returns the active accumulation strategy.
func (w *Window) Accumulation() Accumulation {
	return w.cfg.Accumulation
}

// SetAccumulation switches the accumulation strategy from the next frame on.
func (w *Window) SetAccumulation(a Accumulation) {
	w.cfg.Accumulation = a
}

// Reset drops all history.
func (w *Window) Reset() {
	w.frames = nil
	w.combined = pose.Frame{}
}

// Snapshot is a copy of the window state.
type Snapshot struct {
	Frames   []pose.Frame
	Combined pose.Frame
}

// Snapshot returns a deep copy of the current history.
func (w *Window) Snapshot() Snapshot {
	s := Snapshot{
		Frames:   make([]pose.Frame, len(w.frames)),
		Combined: w.combined.Clone(),
	}
	for i := range w.frames {
		s.Frames[i] = w.frames[i].Clone()
	}
	return s
}
