package core

import (
	"context"

	"github.com/e7canasta/orion-pose/internal/engine"
	"github.com/e7canasta/orion-pose/internal/scheduler"
	"github.com/e7canasta/orion-pose/internal/types"
)

// StreamProvider is a camera: source.RTSP, or source.Synthetic when no URL
// is configured. Frames is closed once the provider stops.
type StreamProvider interface {
	Start(ctx context.Context) error
	Frames() <-chan types.Frame
	Stop() error
	Stats() types.StreamStats
}

// InferenceEngine is the scheduler's engine plus the lifecycle the service
// drives: start, stop and the watchdog restart.
type InferenceEngine interface {
	scheduler.Engine
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Metrics() engine.Metrics
}
