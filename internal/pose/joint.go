// Package pose holds the data model shared by the decoder, the filters and
// the window: joint types, inferred joints and pose frames.
package pose

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// JointType identifies a skeletal joint. Values index fixed-size tables, so
// the numbering is part of the wire format of channel maps and must not change.
type JointType int

const (
	Top JointType = iota
	Neck
	RightShoulder
	RightElbow
	RightWrist
	LeftShoulder
	LeftElbow
	LeftWrist
	RightHip
	RightKnee
	RightAnkle
	LeftHip
	LeftKnee
	LeftAnkle
	Thorax
	Pelvis
	Unknown
)

// NumJoints is the number of real joint types (Unknown excluded).
const NumJoints = int(Unknown)

var jointNames = [...]string{
	Top:           "top",
	Neck:          "neck",
	RightShoulder: "right_shoulder",
	RightElbow:    "right_elbow",
	RightWrist:    "right_wrist",
	LeftShoulder:  "left_shoulder",
	LeftElbow:     "left_elbow",
	LeftWrist:     "left_wrist",
	RightHip:      "right_hip",
	RightKnee:     "right_knee",
	RightAnkle:    "right_ankle",
	LeftHip:       "left_hip",
	LeftKnee:      "left_knee",
	LeftAnkle:     "left_ankle",
	Thorax:        "thorax",
	Pelvis:        "pelvis",
	Unknown:       "unknown",
}

func (t JointType) String() string {
	if t < 0 || t > Unknown {
		return fmt.Sprintf("joint(%d)", int(t))
	}
	return jointNames[t]
}

// Valid reports whether t is a real joint (not Unknown, not out of range).
func (t JointType) Valid() bool {
	return t >= 0 && t < Unknown
}

// ParseJointType maps a joint name (case-insensitive, "-" or "_" separated)
// to its JointType. "unknown" is accepted and yields Unknown.
func ParseJointType(name string) (JointType, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for i, jn := range jointNames {
		if jn == n {
			return JointType(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown joint name %q", name)
}

// InferredJoint is one detection candidate.
//
// Confidence is in [0,1]; zero means absent. Position is in normalized
// viewport space. ImagePosition is the same detection in normalized image
// space, set by the decoder only; filters that synthesize joints leave it zero.
type InferredJoint struct {
	Type          JointType
	Confidence    float64
	Position      r3.Vector
	ImagePosition r2.Point
	CreatedAt     time.Time
}
