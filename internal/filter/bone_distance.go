package filter

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/e7canasta/orion-pose/internal/pose"
)

// Defaults for BoneDistance.
const (
	DefaultKneeRatio         = 0.75
	DefaultLengthTolerance   = 0.5
	DefaultAngleToleranceDeg = 45.0
)

var vertical = r3.Vector{X: 0, Y: 1, Z: 0}

// BoneDistance rejects joints that break anatomical priors.
//
// Spatial stage: a knee is dropped when its horizontal offset from the hip is
// not smaller than KneeRatio times the hip to ankle height on the same side.
//
// Temporal stage: each skeleton bone of the new frame is compared with its
// average over the window. A bone whose length leaves
// avg*(1 ± LengthTolerance), or whose angle from vertical leaves
// avg ± AngleToleranceDeg, discards its child joint. Bones touching an already
// discarded joint are not evaluated.
type BoneDistance struct {
	KneeRatio         float64
	LengthTolerance   float64
	AngleToleranceDeg float64

	bones []pose.Bone
}

// NewBoneDistance returns a BoneDistance filter with default thresholds.
func NewBoneDistance() *BoneDistance {
	return &BoneDistance{
		KneeRatio:         DefaultKneeRatio,
		LengthTolerance:   DefaultLengthTolerance,
		AngleToleranceDeg: DefaultAngleToleranceDeg,
		bones:             pose.Skeleton(),
	}
}

func (f *BoneDistance) Kind() Kind { return KindBoneDistance }

// SpatialFilter passes every joint through except implausible knees. A knee
// whose hip or ankle is missing passes unmodified.
func (f *BoneDistance) SpatialFilter(_ []pose.Frame, _, newFrame pose.Frame) pose.Frame {
	out := newFrame.Clone()
	if !f.kneePlausible(&newFrame, pose.LeftHip, pose.LeftKnee, pose.LeftAnkle) {
		out.Remove(pose.LeftKnee)
	}
	if !f.kneePlausible(&newFrame, pose.RightHip, pose.RightKnee, pose.RightAnkle) {
		out.Remove(pose.RightKnee)
	}
	return out
}

func (f *BoneDistance) kneePlausible(frame *pose.Frame, hipType, kneeType, ankleType pose.JointType) bool {
	hip, okHip := frame.First(hipType)
	knee, okKnee := frame.First(kneeType)
	ankle, okAnkle := frame.First(ankleType)
	if !okHip || !okKnee || !okAnkle {
		return true
	}
	dx := math.Abs(hip.Position.X - knee.Position.X)
	dy := math.Abs(hip.Position.Y - ankle.Position.Y)
	return dx < dy*f.KneeRatio
}

// TemporalFilter returns newFrame minus the joints discarded by the bone
// checks. A bone missing an endpoint in newFrame, or absent from the whole
// history, is skipped.
func (f *BoneDistance) TemporalFilter(frames []pose.Frame, _, newFrame pose.Frame) pose.Frame {
	var discarded [pose.NumJoints]bool

	for _, bone := range f.bones {
		if discarded[bone.From] || discarded[bone.To] {
			continue
		}

		currentLength, ok := limbLength(&newFrame, bone)
		if !ok {
			continue
		}
		averageLength, ok := averageLimbLength(frames, bone)
		if !ok {
			continue
		}

		anomalous := currentLength < averageLength*(1-f.LengthTolerance) ||
			currentLength > averageLength*(1+f.LengthTolerance)

		if !anomalous {
			currentDir, okCur := limbDirection(&newFrame, bone)
			averageDir, okAvg := averageLimbDirection(frames, bone)
			if okCur && okAvg {
				currentAngle := currentDir.Angle(vertical).Degrees()
				averageAngle := averageDir.Angle(vertical).Degrees()
				anomalous = currentAngle < averageAngle-f.AngleToleranceDeg ||
					currentAngle > averageAngle+f.AngleToleranceDeg
			}
		}

		if anomalous {
			discarded[bone.To] = true
		}
	}

	var out pose.Frame
	for _, jt := range newFrame.Types() {
		if !discarded[jt] {
			out.CopyFrom(&newFrame, jt)
		}
	}
	return out
}

// limbLength is the mean distance between paired samples of the bone's
// endpoints. It reports false when either endpoint is missing.
func limbLength(frame *pose.Frame, bone pose.Bone) (float64, bool) {
	a, b := frame.Samples(bone.From), frame.Samples(bone.To)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i].Position.Distance(b[i].Position)
	}
	return sum / float64(n), true
}

// averageLimbLength averages limbLength over frames that hold both endpoints
// at a non-zero distance.
func averageLimbLength(frames []pose.Frame, bone pose.Bone) (float64, bool) {
	var sum float64
	n := 0
	for i := range frames {
		length, ok := limbLength(&frames[i], bone)
		if ok && length > 0 {
			sum += length
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// limbDirection is the unit vector from the first sample of bone.From to the
// first sample of bone.To.
func limbDirection(frame *pose.Frame, bone pose.Bone) (r3.Vector, bool) {
	a, okA := frame.First(bone.From)
	b, okB := frame.First(bone.To)
	if !okA || !okB {
		return r3.Vector{}, false
	}
	d := b.Position.Sub(a.Position)
	if d.Norm2() == 0 {
		return r3.Vector{}, false
	}
	return d.Normalize(), true
}

func averageLimbDirection(frames []pose.Frame, bone pose.Bone) (r3.Vector, bool) {
	var sum r3.Vector
	n := 0
	for i := range frames {
		if d, ok := limbDirection(&frames[i], bone); ok {
			sum = sum.Add(d)
			n++
		}
	}
	if n == 0 {
		return r3.Vector{}, false
	}
	avg := sum.Mul(1 / float64(n))
	if avg.Norm2() == 0 {
		return r3.Vector{}, false
	}
	return avg, true
}
