package filter

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/e7canasta/orion-pose/internal/pose"
)

// One Euro defaults. Lower MinCutoff for less jitter at rest, raise Beta for
// less lag on fast motion.
const (
	DefaultEuroFrequency        = 60.0
	DefaultEuroMinCutoff        = 1.7
	DefaultEuroBeta             = 1.0
	DefaultEuroDerivativeCutoff = 1.0
)

// lowPass is a first-order exponential smoother remembering its last input.
type lowPass struct {
	lastRaw      r3.Vector
	lastFiltered r3.Vector
	initialized  bool
}

func (lp *lowPass) filter(value r3.Vector, alpha float64) r3.Vector {
	result := value
	if lp.initialized {
		result = value.Mul(alpha).Add(lp.lastFiltered.Mul(1 - alpha))
	}
	lp.initialized = true
	lp.lastRaw = value
	lp.lastFiltered = result
	return result
}

// OneEuro is an adaptive low-pass filter whose cutoff rises with the speed of
// the signal. Not safe for concurrent use.
type OneEuro struct {
	initialFrequency float64
	frequency        float64
	minCutoff        float64
	beta             float64
	derivativeCutoff float64

	x, dx    lowPass
	lastTime float64
	hasTime  bool
}

// NewOneEuro builds a One Euro filter. frequency is the initial sample rate in
// Hz; later calls re-estimate it from timestamps.
func NewOneEuro(frequency, minCutoff, beta, derivativeCutoff float64) *OneEuro {
	return &OneEuro{
		initialFrequency: frequency,
		frequency:        frequency,
		minCutoff:        minCutoff,
		beta:             beta,
		derivativeCutoff: derivativeCutoff,
	}
}

// Filter smooths value observed at timestamp (seconds). Two samples with the
// same timestamp imply an infinite rate; the value then passes through.
func (e *OneEuro) Filter(value r3.Vector, timestamp float64) r3.Vector {
	if e.hasTime {
		if dt := timestamp - e.lastTime; dt > 0 {
			e.frequency = 1 / dt
		} else if dt == 0 {
			e.frequency = math.Inf(1)
		}
	}
	e.lastTime = timestamp
	e.hasTime = true

	if math.IsInf(e.frequency, 0) {
		return value
	}

	var dvalue r3.Vector
	if e.x.initialized {
		dvalue = value.Sub(e.x.lastRaw).Mul(e.frequency)
	}
	edvalue := e.dx.filter(dvalue, e.alpha(e.derivativeCutoff))
	cutoff := e.minCutoff + e.beta*edvalue.Norm()
	return e.x.filter(value, e.alpha(cutoff))
}

// Reset forgets all history.
func (e *OneEuro) Reset() {
	e.x, e.dx = lowPass{}, lowPass{}
	e.frequency = e.initialFrequency
	e.hasTime = false
}

func (e *OneEuro) alpha(cutoff float64) float64 {
	te := 1 / e.frequency
	tau := 1 / (2 * math.Pi * cutoff)
	return 1 / (1 + tau/te)
}

// Euro runs one OneEuro filter per joint over the newest sample of each joint.
// Output confidence is the mean of the joint's accumulated samples; joints
// with no accumulated samples are omitted.
type Euro struct {
	filters [pose.NumJoints]*OneEuro
}

// NewEuro returns a Euro pose filter with default parameters.
func NewEuro() *Euro {
	f := &Euro{}
	for i := range f.filters {
		f.filters[i] = NewOneEuro(DefaultEuroFrequency, DefaultEuroMinCutoff, DefaultEuroBeta, DefaultEuroDerivativeCutoff)
	}
	return f
}

func (*Euro) Kind() Kind { return KindOneEuro }

func (*Euro) SpatialFilter(_ []pose.Frame, _, newFrame pose.Frame) pose.Frame {
	return passThrough(newFrame)
}

func (f *Euro) TemporalFilter(_ []pose.Frame, combined, newFrame pose.Frame) pose.Frame {
	var out pose.Frame
	for _, jt := range newFrame.Types() {
		sample, _ := newFrame.First(jt)
		filtered := f.filters[jt].Filter(sample.Position, seconds(sample.CreatedAt))

		confidences := combined.Samples(jt)
		if len(confidences) == 0 {
			continue
		}
		out.Add(pose.InferredJoint{
			Type:       jt,
			Confidence: meanConfidence(confidences),
			Position:   filtered,
			CreatedAt:  sample.CreatedAt,
		})
	}
	return out
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
