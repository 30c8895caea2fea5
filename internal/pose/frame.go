package pose

import "time"

// Frame maps each JointType to an ordered sequence of samples.
//
// A freshly decoded frame holds zero or one sample per type; accumulated
// views hold many, oldest first. The zero value is an empty frame.
//
// Invariant: every sample stored under type t has Type == t. Add is the only
// way in, so the invariant holds by construction.
type Frame struct {
	samples [NumJoints][]InferredJoint
}

// Add appends j under its own type. Joints with an invalid type are ignored.
func (f *Frame) Add(j InferredJoint) {
	if !j.Type.Valid() {
		return
	}
	f.samples[j.Type] = append(f.samples[j.Type], j)
}

// Samples returns the samples for t, oldest first. The slice is shared; do not
// modify it.
func (f *Frame) Samples(t JointType) []InferredJoint {
	if !t.Valid() {
		return nil
	}
	return f.samples[t]
}

// First returns the first sample recorded for t.
func (f *Frame) First(t JointType) (InferredJoint, bool) {
	if !t.Valid() || len(f.samples[t]) == 0 {
		return InferredJoint{}, false
	}
	return f.samples[t][0], true
}

// Has reports whether t has at least one sample.
func (f *Frame) Has(t JointType) bool {
	return t.Valid() && len(f.samples[t]) > 0
}

// Remove drops every sample of t.
func (f *Frame) Remove(t JointType) {
	if t.Valid() {
		f.samples[t] = nil
	}
}

// CopyFrom copies the samples of t from src, replacing what f holds for t.
func (f *Frame) CopyFrom(src *Frame, t JointType) {
	if !t.Valid() {
		return
	}
	if len(src.samples[t]) == 0 {
		f.samples[t] = nil
		return
	}
	f.samples[t] = append([]InferredJoint(nil), src.samples[t]...)
}

// DropBefore removes samples created before cutoff and returns how many were
// removed. Sample order is preserved.
func (f *Frame) DropBefore(cutoff time.Time) int {
	dropped := 0
	for t := range f.samples {
		s := f.samples[t]
		kept := s[:0]
		for _, j := range s {
			if j.CreatedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, j)
		}
		if len(kept) == 0 {
			f.samples[t] = nil
		} else {
			f.samples[t] = kept
		}
	}
	return dropped
}

// Earliest returns the creation time that represents the frame in the window:
// the time of the first sample of the first non-empty joint type.
func (f *Frame) Earliest() (time.Time, bool) {
	for t := range f.samples {
		if len(f.samples[t]) > 0 {
			return f.samples[t][0].CreatedAt, true
		}
	}
	return time.Time{}, false
}

// Types returns the joint types that have samples, in JointType order.
func (f *Frame) Types() []JointType {
	types := make([]JointType, 0, NumJoints)
	for t := range f.samples {
		if len(f.samples[t]) > 0 {
			types = append(types, JointType(t))
		}
	}
	return types
}

// Len returns the number of joint types with at least one sample.
func (f *Frame) Len() int {
	n := 0
	for t := range f.samples {
		if len(f.samples[t]) > 0 {
			n++
		}
	}
	return n
}

// Count returns the total number of samples across all types.
func (f *Frame) Count() int {
	n := 0
	for t := range f.samples {
		n += len(f.samples[t])
	}
	return n
}

// Empty reports whether the frame holds no samples at all.
func (f *Frame) Empty() bool {
	return f.Count() == 0
}

// Clone returns a deep copy.
func (f *Frame) Clone() Frame {
	var c Frame
	for t := range f.samples {
		if len(f.samples[t]) > 0 {
			c.samples[t] = append([]InferredJoint(nil), f.samples[t]...)
		}
	}
	return c
}

// Each calls fn for every sample, in JointType order then insertion order.
func (f *Frame) Each(fn func(InferredJoint)) {
	for t := range f.samples {
		for _, j := range f.samples[t] {
			fn(j)
		}
	}
}
