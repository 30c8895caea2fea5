package heatmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedTensor is returned when a serialized tensor cannot be decoded.
var ErrMalformedTensor = errors.New("malformed tensor")

// Tensor is a dense float32 activation array in row-major order.
//
// For heatmaps the last three dimensions are [channels, height, width]; any
// leading dimensions (a batch of one, typically) are ignored and the first
// slice is used.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Dims returns the trailing [channels, height, width] dimensions and whether
// the tensor is usable as a heatmap: every dimension positive and Data long
// enough to hold one [channels, height, width] slice.
func (t Tensor) Dims() (channels, height, width int, ok bool) {
	n := len(t.Shape)
	if n < 3 {
		return 0, 0, 0, false
	}
	channels, height, width = t.Shape[n-3], t.Shape[n-2], t.Shape[n-1]
	if channels <= 0 || height <= 0 || width <= 0 {
		return 0, 0, 0, false
	}
	// stepwise against len(Data) so the product never overflows
	size := len(t.Data)
	if channels > size || height > size/channels || width > size/(channels*height) {
		return 0, 0, 0, false
	}
	return channels, height, width, true
}

// wireTensor is the msgpack form exchanged with engines. Data is either a
// little-endian float32 byte blob (numpy tobytes) or a plain number array.
type wireTensor struct {
	Shape []int       `msgpack:"shape"`
	Dtype string      `msgpack:"dtype,omitempty"`
	Data  interface{} `msgpack:"data"`
}

// DecodeMsgpack decodes a tensor serialized as a msgpack map with "shape" and
// "data" keys.
func DecodeMsgpack(b []byte) (Tensor, error) {
	var w wireTensor
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return Tensor{}, fmt.Errorf("%w: %v", ErrMalformedTensor, err)
	}
	return w.tensor()
}

// EncodeMsgpack serializes t with a float32 byte blob payload.
func EncodeMsgpack(t Tensor) ([]byte, error) {
	blob := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(blob[4*i:], math.Float32bits(v))
	}
	return msgpack.Marshal(wireTensor{Shape: t.Shape, Dtype: "float32", Data: blob})
}

func (w wireTensor) tensor() (Tensor, error) {
	t := Tensor{Shape: w.Shape}
	switch data := w.Data.(type) {
	case []byte:
		if w.Dtype != "" && w.Dtype != "float32" {
			return Tensor{}, fmt.Errorf("%w: unsupported dtype %q", ErrMalformedTensor, w.Dtype)
		}
		if len(data)%4 != 0 {
			return Tensor{}, fmt.Errorf("%w: blob length %d not a multiple of 4", ErrMalformedTensor, len(data))
		}
		t.Data = make([]float32, len(data)/4)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case []interface{}:
		t.Data = make([]float32, len(data))
		for i, v := range data {
			f, ok := toFloat(v)
			if !ok {
				return Tensor{}, fmt.Errorf("%w: element %d has type %T", ErrMalformedTensor, i, v)
			}
			t.Data[i] = float32(f)
		}
	case nil:
	default:
		return Tensor{}, fmt.Errorf("%w: data has type %T", ErrMalformedTensor, w.Data)
	}
	if !shapeHolds(w.Shape, len(t.Data)) {
		return Tensor{}, fmt.Errorf("%w: shape %v does not match %d elements", ErrMalformedTensor, w.Shape, len(t.Data))
	}
	return t, nil
}

// shapeHolds reports whether the product of shape is exactly n. Dimensions
// must be non-negative; the product is compared stepwise so it cannot overflow.
func shapeHolds(shape []int, n int) bool {
	product := 1
	for _, d := range shape {
		if d < 0 {
			return false
		}
		if d == 0 {
			product = 0
			continue
		}
		if product > n/d {
			return false
		}
		product *= d
	}
	return product == n
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
