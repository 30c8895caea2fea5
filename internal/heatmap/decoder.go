// Package heatmap converts raw per-joint activation grids produced by a pose
// model into pose frames.
package heatmap

import (
	"fmt"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/e7canasta/orion-pose/internal/pose"
)

// ChannelMap is the immutable channel index to JointType table of a model.
type ChannelMap struct {
	joints []pose.JointType
}

// NewChannelMap copies joints; channel k maps to joints[k].
func NewChannelMap(joints []pose.JointType) ChannelMap {
	return ChannelMap{joints: append([]pose.JointType(nil), joints...)}
}

// ParseChannelMap builds a ChannelMap from joint names in channel order.
func ParseChannelMap(names []string) (ChannelMap, error) {
	joints := make([]pose.JointType, len(names))
	for i, name := range names {
		jt, err := pose.ParseJointType(name)
		if err != nil {
			return ChannelMap{}, fmt.Errorf("channel %d: %w", i, err)
		}
		joints[i] = jt
	}
	return ChannelMap{joints: joints}, nil
}

// DefaultChannelMap is the 16 channel layout whose channel index equals the
// JointType value, with a trailing background channel.
func DefaultChannelMap() ChannelMap {
	joints := make([]pose.JointType, 0, pose.NumJoints+1)
	for jt := pose.Top; jt <= pose.Unknown; jt++ {
		joints = append(joints, jt)
	}
	return ChannelMap{joints: joints}
}

// Joint returns the joint for channel k, or Unknown when k is out of range.
func (m ChannelMap) Joint(k int) pose.JointType {
	if k < 0 || k >= len(m.joints) {
		return pose.Unknown
	}
	return m.joints[k]
}

// Len returns the number of mapped channels.
func (m ChannelMap) Len() int {
	return len(m.joints)
}

// Decoder extracts one joint per channel from an activation grid.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	channels ChannelMap
}

// NewDecoder returns a decoder bound to a model's channel layout.
func NewDecoder(channels ChannelMap) *Decoder {
	return &Decoder{channels: channels}
}

// Channels returns the decoder's channel map.
func (d *Decoder) Channels() ChannelMap {
	return d.channels
}

// Decode builds a pose frame from t.
//
// Algorithm, per channel k mapped to a real joint:
//  1. Scan rows then columns; keep the tile whose activation is strictly
//     greater than the best so far and greater than zero. Ties keep the first
//     tile in row-major order.
//  2. Tile centre ((col+0.5)/width, (row+0.5)/height) is a normalized point in
//     crop space; it is mapped to image space through crop, then to viewport
//     space through toViewport.
//  3. The joint carries the activation as confidence and now as creation time.
//
// A tensor with fewer than three dimensions (or inconsistent data length)
// yields an empty frame, as does a grid with no positive activation.
func (d *Decoder) Decode(t Tensor, toViewport Transform, crop r2.Rect, now time.Time) pose.Frame {
	var frame pose.Frame

	channels, height, width, ok := t.Dims()
	if !ok {
		return frame
	}
	toImage := CropToImage(crop)

	for k := 0; k < channels; k++ {
		jt := d.channels.Joint(k)
		if !jt.Valid() {
			continue
		}

		base := k * height * width
		bestRow, bestCol := -1, -1
		var best float32
		for row := 0; row < height; row++ {
			offset := base + row*width
			for col := 0; col < width; col++ {
				if v := t.Data[offset+col]; v > best {
					best = v
					bestRow, bestCol = row, col
				}
			}
		}
		if bestRow < 0 {
			continue
		}

		tile := r2.Point{
			X: (float64(bestCol) + 0.5) / float64(width),
			Y: (float64(bestRow) + 0.5) / float64(height),
		}
		image := toImage.Apply(tile)
		viewport := toViewport.Apply(image)

		frame.Add(pose.InferredJoint{
			Type:          jt,
			Confidence:    float64(best),
			Position:      r3.Vector{X: viewport.X, Y: viewport.Y},
			ImagePosition: image,
			CreatedAt:     now,
		})
	}

	return frame
}
