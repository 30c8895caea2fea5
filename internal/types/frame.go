package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/geo/r2"
)

// Frame is a single captured camera image.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data holds the pixels (RGB24 unless Format says otherwise)
	Data []byte
	// Format names the pixel layout: "RGB24", "BGR24", "JPEG"
	Format string
	// TraceID follows the frame through inference and emission
	TraceID string
}

// Meta returns the frame without its pixel data.
func (f Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		TraceID:   f.TraceID,
	}
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	TraceID   string    `json:"trace_id"`
}

// Orientation is the rotation the engine must apply to bring the image
// upright before inference.
type Orientation int

const (
	OrientationUp Orientation = iota
	OrientationRight
	OrientationDown
	OrientationLeft
)

var orientationNames = [...]string{"up", "right", "down", "left"}

func (o Orientation) String() string {
	if o < 0 || int(o) >= len(orientationNames) {
		return fmt.Sprintf("orientation(%d)", int(o))
	}
	return orientationNames[o]
}

// ParseOrientation accepts "up", "right", "down", "left"; empty means up.
func ParseOrientation(s string) (Orientation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return OrientationUp, nil
	}
	for i, name := range orientationNames {
		if s == name {
			return Orientation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown orientation %q", s)
}

// InferenceRequest is what the scheduler hands to the inference engine: one
// frame, the region of it to run on and how to rotate it.
type InferenceRequest struct {
	Frame       Frame
	Orientation Orientation
	// Crop is the normalized image region to infer on. The zero Rect means
	// the full frame.
	Crop r2.Rect
}

// StreamStats contains frame source statistics
type StreamStats struct {
	FrameCount  uint64  `json:"frame_count"`
	FPSTarget   int     `json:"fps_target"`
	FPSReal     float64 `json:"fps_real"`
	Resolution  string  `json:"resolution"`
	Reconnects  uint32  `json:"reconnects"`
	BytesRead   uint64  `json:"bytes_read"`
	IsConnected bool    `json:"is_connected"`
	Errors      uint64  `json:"errors"`
}
