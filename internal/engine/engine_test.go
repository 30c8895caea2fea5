package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/pose"
	"github.com/e7canasta/orion-pose/internal/types"
)

func encodeFrame(v interface{}) []byte {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		panic(err)
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	return append(prefix, payload...)
}

func readRequest(r io.Reader) (pythonRequest, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return pythonRequest{}, err
	}
	data := make([]byte, binary.BigEndian.Uint32(prefix))
	if _, err := io.ReadFull(r, data); err != nil {
		return pythonRequest{}, err
	}
	var req pythonRequest
	err := msgpack.Unmarshal(data, &req)
	return req, err
}

func peakTensor(t *testing.T) msgpack.RawMessage {
	t.Helper()
	tensor := heatmap.Tensor{Shape: []int{pose.NumJoints, 2, 2}, Data: make([]float32, pose.NumJoints*4)}
	tensor.Data[int(pose.Neck)*4+3] = 0.8
	raw, err := heatmap.EncodeMsgpack(tensor)
	require.NoError(t, err)
	return raw
}

// fakeWorker wires a Python engine to an in-process worker over pipes. reply
// returns the responses the worker writes for each request.
func fakeWorker(t *testing.T, reply func(pythonRequest) []pythonResponse) (*Python, *process) {
	t.Helper()
	e, err := NewPython(PythonConfig{Script: "models/run_pose.sh", ModelPath: "pose.onnx", InstanceID: "cam-1"})
	require.NoError(t, err)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &process{
		stdin:     reqW,
		stdout:    respR,
		responses: make(chan pythonResponse, 4),
		exited:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	go func() {
		for {
			req, err := readRequest(reqR)
			if err != nil {
				return
			}
			for _, resp := range reply(req) {
				if _, err := respW.Write(encodeFrame(resp)); err != nil {
					return
				}
			}
		}
	}()
	p.wg.Add(1)
	go e.readResults(p)

	t.Cleanup(func() {
		cancel()
		reqW.Close()
		respW.Close()
	})

	e.proc = p
	return e, p
}

func TestPythonRoundTrip(t *testing.T) {
	var seen pythonRequest
	e, _ := fakeWorker(t, func(req pythonRequest) []pythonResponse {
		seen = req
		return []pythonResponse{{ID: req.ID, Heatmap: peakTensor(t), Timing: map[string]float64{"total_ms": 12}}}
	})

	crop := r2.Rect{X: r1.Interval{Lo: 0.25, Hi: 0.75}, Y: r1.Interval{Lo: 0, Hi: 1}}
	tensor, err := e.Infer(context.Background(), types.InferenceRequest{
		Frame:       types.Frame{Seq: 42, Width: 2, Height: 2, Data: []byte{1, 2, 3}, Format: "RGB24", TraceID: "trace-1"},
		Orientation: types.OrientationLeft,
		Crop:        crop,
	})
	require.NoError(t, err)

	c, h, w, ok := tensor.Dims()
	require.True(t, ok)
	assert.Equal(t, []int{pose.NumJoints, 2, 2}, []int{c, h, w})
	assert.Equal(t, float32(0.8), tensor.Data[(int(pose.Neck)*h+1)*w+1])

	assert.Equal(t, []byte{1, 2, 3}, seen.FrameData)
	assert.Equal(t, "left", seen.Orientation)
	require.NotNil(t, seen.Crop)
	assert.Equal(t, pythonCrop{X: 0.25, Y: 0, Width: 0.5, Height: 1}, *seen.Crop)
	assert.EqualValues(t, 42, seen.Meta["seq"])
	assert.Equal(t, "cam-1", seen.Meta["instance_id"])

	m := e.Metrics()
	assert.True(t, m.Running)
	assert.Equal(t, uint64(1), m.Requests)
	assert.Equal(t, uint64(1), m.Responses)
}

func TestPythonFullFrameSendsNilCrop(t *testing.T) {
	var seen pythonRequest
	e, _ := fakeWorker(t, func(req pythonRequest) []pythonResponse {
		seen = req
		return []pythonResponse{{ID: req.ID, Heatmap: peakTensor(t)}}
	})
	_, err := e.Infer(context.Background(), types.InferenceRequest{Frame: types.Frame{Seq: 1}})
	require.NoError(t, err)
	assert.Nil(t, seen.Crop)
}

func TestPythonDiscardsStaleResponses(t *testing.T) {
	e, _ := fakeWorker(t, func(req pythonRequest) []pythonResponse {
		return []pythonResponse{
			{ID: req.ID + 100, Error: "late answer to an old request"},
			{ID: req.ID, Heatmap: peakTensor(t)},
		}
	})
	_, err := e.Infer(context.Background(), types.InferenceRequest{Frame: types.Frame{Seq: 1}})
	require.NoError(t, err)
}

func TestPythonErrorResponses(t *testing.T) {
	e, _ := fakeWorker(t, func(req pythonRequest) []pythonResponse {
		if req.ID == 1 {
			return []pythonResponse{{ID: req.ID, Error: "CUDA out of memory"}}
		}
		return []pythonResponse{{ID: req.ID}}
	})

	_, err := e.Infer(context.Background(), types.InferenceRequest{Frame: types.Frame{Seq: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")

	_, err = e.Infer(context.Background(), types.InferenceRequest{Frame: types.Frame{Seq: 2}})
	assert.ErrorIs(t, err, ErrMalformedOutput)

	assert.Equal(t, uint64(2), e.Metrics().Failures)
}

func TestPythonTimeoutAndExit(t *testing.T) {
	e, p := fakeWorker(t, func(pythonRequest) []pythonResponse { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Infer(ctx, types.InferenceRequest{Frame: types.Frame{Seq: 1}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(p.exited)
	_, err = e.Infer(context.Background(), types.InferenceRequest{Frame: types.Frame{Seq: 2}})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPythonNotStarted(t *testing.T) {
	e, err := NewPython(PythonConfig{Script: "run.sh", ModelPath: "m.onnx"})
	require.NoError(t, err)
	_, err = e.Infer(context.Background(), types.InferenceRequest{})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, e.Metrics().Running)
	assert.NoError(t, e.Stop())

	_, err = NewPython(PythonConfig{ModelPath: "m.onnx"})
	assert.Error(t, err)
	_, err = NewPython(PythonConfig{Script: "run.sh"})
	assert.Error(t, err)
}

func TestReadFramesSkipsUndecodableMessages(t *testing.T) {
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, 1)
	buf.Write(append(prefix, 0xc1)) // 0xc1 is never valid msgpack
	buf.Write(encodeFrame(pythonResponse{ID: 9}))

	var got []uint64
	err := readFrames(&buf, func(r pythonResponse) { got = append(got, r.ID) }, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []uint64{9}, got)
}

func TestReadFramesTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, 10)
	buf.Write(append(prefix, 1, 2))

	err := readFrames(&buf, func(pythonResponse) {}, zerolog.Nop())
	assert.Error(t, err)
}

// TestSyntheticRoundTripThroughDecoder checks that the synthetic figure is
// decoded back onto its image positions, with and without a crop.
func TestSyntheticRoundTripThroughDecoder(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{})
	require.NoError(t, s.Start(context.Background()))
	dec := heatmap.NewDecoder(heatmap.DefaultChannelMap())

	crops := []r2.Rect{
		{},
		{X: r1.Interval{Lo: 0.2, Hi: 0.8}, Y: r1.Interval{Lo: 0.05, Hi: 0.95}},
	}
	for _, crop := range crops {
		tensor, err := s.Infer(context.Background(), types.InferenceRequest{Frame: types.Frame{Seq: 0}, Crop: crop})
		require.NoError(t, err)

		frame := dec.Decode(tensor, heatmap.Identity(), crop, time.Now())
		assert.Equal(t, len(standingPose), frame.Len())

		tolX, tolY := 1.0/48, 1.0/64
		for jt, want := range standingPose {
			got, ok := frame.First(jt)
			require.True(t, ok, jt.String())
			assert.InDelta(t, want.X, got.ImagePosition.X, tolX, jt.String())
			assert.InDelta(t, want.Y, got.ImagePosition.Y, tolY, jt.String())
			assert.InDelta(t, 0.9, got.Confidence, 0.2)
		}
	}
}

func TestSyntheticLifecycle(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Latency: time.Second})

	_, err := s.Infer(context.Background(), types.InferenceRequest{})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Restart(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Infer(ctx, types.InferenceRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m := s.Metrics()
	assert.True(t, m.Running)
	assert.Equal(t, uint64(1), m.Restarts)
	assert.Equal(t, uint64(1), m.Failures)

	require.NoError(t, s.Stop())
	assert.False(t, s.Metrics().Running)
}
