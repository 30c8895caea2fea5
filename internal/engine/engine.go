// Package engine holds the inference engines the scheduler calls: a Python
// subprocess speaking length-prefixed msgpack and a synthetic engine that
// renders heatmaps for a scripted pose.
package engine

import (
	"errors"
	"time"
)

var (
	// ErrNotRunning is returned by Infer when the engine is stopped or its
	// process has exited.
	ErrNotRunning = errors.New("engine not running")
	// ErrMalformedOutput is returned when the engine answers with something
	// that is not a heatmap.
	ErrMalformedOutput = errors.New("malformed engine output")
)

// Metrics contains health metrics for an engine
type Metrics struct {
	Running      bool      `json:"running"`
	Requests     uint64    `json:"requests"`
	Responses    uint64    `json:"responses"`
	Failures     uint64    `json:"failures"`
	Restarts     uint64    `json:"restarts"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
