package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/golang/geo/r2"

	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/pose"
	"github.com/e7canasta/orion-pose/internal/types"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrNotStarted is returned by operations that need the worker running.
	ErrNotStarted = errors.New("scheduler not started")
)

// Engine runs inference on one frame and returns the activation grid.
// Implementations may block; the scheduler never calls Infer concurrently.
type Engine interface {
	Infer(ctx context.Context, req types.InferenceRequest) (heatmap.Tensor, error)
}

// Submission is one camera frame plus the metadata needed to map the
// engine's output back to viewport space.
type Submission struct {
	Frame types.Frame
	// Transform maps normalized image space to viewport space.
	Transform   heatmap.Transform
	Orientation types.Orientation
	// Crop is the normalized image region the engine should see. The zero
	// Rect means the full frame.
	Crop r2.Rect
}

// Result is delivered to the Delegate for every processed frame.
type Result struct {
	// Joints is the post-filter frame.
	Joints pose.Frame
	// Decoded is the frame as decoded, before any filtering.
	Decoded pose.Frame

	Frame   types.FrameMeta
	Crop    r2.Rect
	Latency time.Duration
}

// Delegate receives filtered joints. OnJointsUpdated runs on the scheduler's
// worker goroutine and delays the next inference while it runs.
type Delegate interface {
	OnJointsUpdated(Result)
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(Result)

func (f DelegateFunc) OnJointsUpdated(r Result) { f(r) }

// Stats is a snapshot of scheduler counters.
type Stats struct {
	// Submitted counts Submit calls.
	Submitted uint64 `json:"submitted"`
	// Dropped counts pending frames replaced before the worker took them.
	Dropped uint64 `json:"dropped"`
	// Inferences counts engine calls that returned successfully.
	Inferences uint64 `json:"inferences"`
	// InferenceFailures counts engine errors and timeouts.
	InferenceFailures uint64 `json:"inference_failures"`
	// Discarded counts results thrown away because tracking was off.
	Discarded uint64 `json:"discarded"`
	// Delivered counts results handed to the delegate.
	Delivered uint64 `json:"delivered"`

	Tracking    bool          `json:"tracking"`
	InFlight    bool          `json:"in_flight"`
	ActiveSince time.Time     `json:"active_since,omitempty"`
	LastResult  time.Time     `json:"last_result,omitempty"`
	LastLatency time.Duration `json:"last_latency_ns"`
	FPS         float64       `json:"fps"`
}
