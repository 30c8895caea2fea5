package filter

import (
	"github.com/golang/geo/r3"

	"github.com/e7canasta/orion-pose/internal/pose"
)

// LowPass smooths each joint with an exponential moving average over its
// accumulated samples.
//
// For n samples the weight is k = 2/(n+1). The average is seeded with the
// oldest sample and folds the rest forward in chronological order. Output
// confidence is the mean sample confidence; joints without samples are
// omitted.
type LowPass struct{}

func NewLowPass() *LowPass { return &LowPass{} }

func (*LowPass) Kind() Kind { return KindLowPass }

func (*LowPass) SpatialFilter(_ []pose.Frame, _, newFrame pose.Frame) pose.Frame {
	return passThrough(newFrame)
}

func (*LowPass) TemporalFilter(_ []pose.Frame, combined, _ pose.Frame) pose.Frame {
	var out pose.Frame
	for _, jt := range combined.Types() {
		samples := combined.Samples(jt)
		k := 2 / float64(len(samples)+1)

		ema := samples[0].Position
		for _, s := range samples[1:] {
			// ema + k*(x-ema) == x*k + ema*(1-k), and leaves a constant input untouched.
			ema = ema.Add(s.Position.Sub(ema).Mul(k))
		}

		out.Add(pose.InferredJoint{
			Type:       jt,
			Confidence: meanConfidence(samples),
			Position:   ema,
			CreatedAt:  samples[len(samples)-1].CreatedAt,
		})
	}
	return out
}

// MovingAverage outputs, per joint, the arithmetic mean position and mean
// confidence of the accumulated samples. Joints without samples are omitted.
type MovingAverage struct{}

func NewMovingAverage() *MovingAverage { return &MovingAverage{} }

func (*MovingAverage) Kind() Kind { return KindMovingAverage }

func (*MovingAverage) SpatialFilter(_ []pose.Frame, _, newFrame pose.Frame) pose.Frame {
	return passThrough(newFrame)
}

func (*MovingAverage) TemporalFilter(_ []pose.Frame, combined, _ pose.Frame) pose.Frame {
	var out pose.Frame
	for _, jt := range combined.Types() {
		samples := combined.Samples(jt)

		var mean r3.Vector
		for i, s := range samples {
			mean = runningMean(mean, s.Position, i+1)
		}

		out.Add(pose.InferredJoint{
			Type:       jt,
			Confidence: meanConfidence(samples),
			Position:   mean,
			CreatedAt:  samples[len(samples)-1].CreatedAt,
		})
	}
	return out
}
