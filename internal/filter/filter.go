// Package filter implements the spatial and temporal stages applied to decoded
// pose frames by the pose window.
//
// Filters are not safe for concurrent use. The window calls them from a single
// goroutine, one frame at a time.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/e7canasta/orion-pose/internal/pose"
)

// ErrUnknownKind is returned for an unrecognized filter name.
var ErrUnknownKind = errors.New("unknown filter kind")

// Filter supplies the two stages the window runs on every frame.
//
// SpatialFilter sees one new frame (history is passed for filters that want
// it) and rejects anomalous joints. TemporalFilter runs after the window has
// been updated and produces the output frame from the history.
//
// frames is the window's frame history, oldest first. combined holds the
// confident samples accumulated per joint inside the tracking period.
// Implementations must not modify their arguments.
type Filter interface {
	Kind() Kind
	SpatialFilter(frames []pose.Frame, combined, newFrame pose.Frame) pose.Frame
	TemporalFilter(frames []pose.Frame, combined, newFrame pose.Frame) pose.Frame
}

// Kind names a filter implementation.
type Kind string

const (
	KindBoneDistance  Kind = "bone_distance"
	KindLowPass       Kind = "low_pass"
	KindMovingAverage Kind = "moving_average"
	KindOneEuro       Kind = "one_euro"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindBoneDistance, KindLowPass, KindMovingAverage, KindOneEuro}
}

// ParseKind accepts a kind name, case-insensitive, with "-" or "_".
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// New returns a fresh filter of the given kind with default parameters.
func New(kind Kind) (Filter, error) {
	switch kind {
	case KindBoneDistance:
		return NewBoneDistance(), nil
	case KindLowPass:
		return NewLowPass(), nil
	case KindMovingAverage:
		return NewMovingAverage(), nil
	case KindOneEuro:
		return NewEuro(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
}

// passThrough is the spatial stage of the purely temporal filters.
func passThrough(newFrame pose.Frame) pose.Frame {
	return newFrame.Clone()
}

// runningMean folds sample n (1-based) into mean. With identical inputs the
// result stays bit-for-bit equal to the input.
func runningMean(mean, sample r3.Vector, n int) r3.Vector {
	d := float64(n)
	return r3.Vector{
		X: mean.X + (sample.X-mean.X)/d,
		Y: mean.Y + (sample.Y-mean.Y)/d,
		Z: mean.Z + (sample.Z-mean.Z)/d,
	}
}

// meanConfidence is the arithmetic mean of the samples' confidences.
func meanConfidence(samples []pose.InferredJoint) float64 {
	var mean float64
	for i, s := range samples {
		mean += (s.Confidence - mean) / float64(i+1)
	}
	return mean
}
