// Package emitter publishes filtered joint updates to message brokers.
package emitter

import (
	"encoding/json"
	"time"

	"github.com/e7canasta/orion-pose/internal/scheduler"
)

// Update is the wire format of one filtered pose, JSON encoded.
type Update struct {
	InstanceID string    `json:"instance_id"`
	TraceID    string    `json:"trace_id"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	LatencyMS  float64   `json:"latency_ms"`
	Joints     []Joint   `json:"joints"`
	Crop       *Crop     `json:"crop,omitempty"`
}

// Joint is one filtered joint in normalized viewport space.
type Joint struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	CreatedMS  int64   `json:"created_ms"`
}

// Crop is the normalized image region the engine ran on.
type Crop struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewUpdate builds the update for a scheduler result. Each joint type
// contributes its first sample; the crop is omitted for the full frame.
func NewUpdate(instanceID string, r scheduler.Result) Update {
	u := Update{
		InstanceID: instanceID,
		TraceID:    r.Frame.TraceID,
		Seq:        r.Frame.Seq,
		Timestamp:  r.Frame.Timestamp,
		LatencyMS:  float64(r.Latency.Microseconds()) / 1000,
		Joints:     []Joint{},
	}

	joints := r.Joints
	for _, jt := range joints.Types() {
		j, _ := joints.First(jt)
		u.Joints = append(u.Joints, Joint{
			Type:       jt.String(),
			Confidence: j.Confidence,
			X:          j.Position.X,
			Y:          j.Position.Y,
			Z:          j.Position.Z,
			CreatedMS:  j.CreatedAt.UnixMilli(),
		})
	}

	if r.Crop.X.Length() > 0 && r.Crop.Y.Length() > 0 {
		u.Crop = &Crop{
			X:      r.Crop.X.Lo,
			Y:      r.Crop.Y.Lo,
			Width:  r.Crop.X.Length(),
			Height: r.Crop.Y.Length(),
		}
	}
	return u
}

// ToJSON serializes the update
func (u Update) ToJSON() ([]byte, error) {
	return json.Marshal(u)
}
