package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/types"
)

const (
	writeTimeout = 2 * time.Second
	stopTimeout  = 2 * time.Second
)

// PythonConfig configures the Python engine.
type PythonConfig struct {
	// Script is the executable started for the worker, e.g. models/run_pose.sh.
	Script    string
	ModelPath string
	// InputWidth and InputHeight are the model input size; the worker resizes
	// the crop to it.
	InputWidth  int
	InputHeight int
	InstanceID  string
}

// Python runs pose inference in a Python subprocess.
//
// Wire protocol, both directions: a 4-byte big-endian length followed by a
// msgpack map.
//
// Request (Go -> Python):
//
//	{"id": 7, "frame_data": <bytes>, "width": 1280, "height": 720,
//	 "format": "RGB24", "orientation": "up",
//	 "crop": {"x": 0.1, "y": 0.0, "width": 0.6, "height": 1.0},
//	 "meta": {"instance_id": "...", "seq": 42, "trace_id": "...", "timestamp": "..."}}
//
// crop is nil for the full frame.
//
// Response (Python -> Go):
//
//	{"id": 7, "heatmap": {"shape": [16, 64, 48], "dtype": "float32", "data": <bytes>},
//	 "timing": {"total_ms": 21.4}, "error": ""}
//
// Responses carry the request id; a response to a request that already timed
// out is discarded.
type Python struct {
	cfg    PythonConfig
	logger zerolog.Logger

	mu   sync.Mutex
	proc *process

	nextID atomic.Uint64

	requests       atomic.Uint64
	responses      atomic.Uint64
	failures       atomic.Uint64
	restarts       atomic.Uint64
	totalLatencyUS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// process is one spawned worker and the goroutines serving it.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu   sync.Mutex
	responses chan pythonResponse
	exited    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pythonRequest struct {
	ID          uint64         `msgpack:"id"`
	FrameData   []byte         `msgpack:"frame_data"`
	Width       int            `msgpack:"width"`
	Height      int            `msgpack:"height"`
	Format      string         `msgpack:"format"`
	Orientation string         `msgpack:"orientation"`
	Crop        *pythonCrop    `msgpack:"crop"`
	Meta        map[string]any `msgpack:"meta"`
}

type pythonCrop struct {
	X      float64 `msgpack:"x"`
	Y      float64 `msgpack:"y"`
	Width  float64 `msgpack:"width"`
	Height float64 `msgpack:"height"`
}

type pythonResponse struct {
	ID      uint64             `msgpack:"id"`
	Heatmap msgpack.RawMessage `msgpack:"heatmap"`
	Timing  map[string]float64 `msgpack:"timing"`
	Error   string             `msgpack:"error"`
}

// NewPython validates cfg and returns a stopped engine.
func NewPython(cfg PythonConfig) (*Python, error) {
	if cfg.Script == "" {
		return nil, fmt.Errorf("script is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	e := &Python{
		cfg:    cfg,
		logger: log.With().Str("component", "engine").Str("engine", "python").Logger(),
	}
	e.lastSeenAt.Store(time.Time{})
	return e, nil
}

// Start spawns the Python worker.
func (e *Python) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil {
		return fmt.Errorf("engine already started")
	}
	p, err := e.spawn(ctx)
	if err != nil {
		return fmt.Errorf("failed to spawn python process: %w", err)
	}
	e.proc = p
	e.lastSeenAt.Store(time.Now())
	return nil
}

func (e *Python) spawn(parent context.Context) (*process, error) {
	p := &process{
		responses: make(chan pythonResponse, 4),
		exited:    make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(parent)

	args := []string{"--model", e.cfg.ModelPath}
	if e.cfg.InputWidth > 0 && e.cfg.InputHeight > 0 {
		args = append(args, "--input-size", fmt.Sprintf("%dx%d", e.cfg.InputWidth, e.cfg.InputHeight))
	}
	p.cmd = exec.CommandContext(p.ctx, e.cfg.Script, args...)

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to start python process: %w", err)
	}

	e.logger.Info().
		Int("pid", p.cmd.Process.Pid).
		Str("script", e.cfg.Script).
		Str("model", e.cfg.ModelPath).
		Msg("python process spawned")

	p.wg.Add(3)
	go e.readResults(p)
	go e.logStderr(p)
	go e.waitProcess(p)
	return p, nil
}

// Infer sends one frame to the worker and waits for its heatmap.
func (e *Python) Infer(ctx context.Context, req types.InferenceRequest) (heatmap.Tensor, error) {
	e.mu.Lock()
	p := e.proc
	e.mu.Unlock()
	if p == nil {
		return heatmap.Tensor{}, ErrNotRunning
	}

	e.requests.Add(1)
	id := e.nextID.Add(1)
	started := time.Now()

	tensor, err := e.roundTrip(ctx, p, id, req)
	if err != nil {
		e.failures.Add(1)
		return heatmap.Tensor{}, err
	}

	e.responses.Add(1)
	e.totalLatencyUS.Add(uint64(time.Since(started).Microseconds()))
	e.lastSeenAt.Store(time.Now())
	return tensor, nil
}

func (e *Python) roundTrip(ctx context.Context, p *process, id uint64, req types.InferenceRequest) (heatmap.Tensor, error) {
	payload, err := msgpack.Marshal(e.request(id, req))
	if err != nil {
		return heatmap.Tensor{}, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()

		lengthPrefix := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))
		if _, err := p.stdin.Write(lengthPrefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := p.stdin.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return heatmap.Tensor{}, fmt.Errorf("failed to write to stdin: %w", err)
		}
	case <-time.After(writeTimeout):
		return heatmap.Tensor{}, fmt.Errorf("stdin write timeout (python worker may be hung)")
	case <-ctx.Done():
		return heatmap.Tensor{}, ctx.Err()
	case <-p.exited:
		return heatmap.Tensor{}, ErrNotRunning
	}

	for {
		select {
		case resp := <-p.responses:
			if resp.ID != id {
				e.logger.Debug().Uint64("id", resp.ID).Uint64("want", id).Msg("discarding stale response")
				continue
			}
			return decodeResponse(resp)
		case <-ctx.Done():
			return heatmap.Tensor{}, ctx.Err()
		case <-p.exited:
			return heatmap.Tensor{}, ErrNotRunning
		}
	}
}

func (e *Python) request(id uint64, req types.InferenceRequest) pythonRequest {
	r := pythonRequest{
		ID:          id,
		FrameData:   req.Frame.Data,
		Width:       req.Frame.Width,
		Height:      req.Frame.Height,
		Format:      req.Frame.Format,
		Orientation: req.Orientation.String(),
		Meta: map[string]any{
			"instance_id": e.cfg.InstanceID,
			"seq":         req.Frame.Seq,
			"trace_id":    req.Frame.TraceID,
			"timestamp":   req.Frame.Timestamp.Format(time.RFC3339Nano),
		},
	}
	if !req.Crop.IsEmpty() && req.Crop.X.Length() > 0 && req.Crop.Y.Length() > 0 {
		r.Crop = &pythonCrop{
			X:      req.Crop.X.Lo,
			Y:      req.Crop.Y.Lo,
			Width:  req.Crop.X.Length(),
			Height: req.Crop.Y.Length(),
		}
	}
	return r
}

func decodeResponse(resp pythonResponse) (heatmap.Tensor, error) {
	if resp.Error != "" {
		return heatmap.Tensor{}, fmt.Errorf("python worker: %s", resp.Error)
	}
	if len(resp.Heatmap) == 0 {
		return heatmap.Tensor{}, fmt.Errorf("%w: response has no heatmap", ErrMalformedOutput)
	}
	t, err := heatmap.DecodeMsgpack(resp.Heatmap)
	if err != nil {
		return heatmap.Tensor{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if _, _, _, ok := t.Dims(); !ok {
		return heatmap.Tensor{}, fmt.Errorf("%w: heatmap shape %v", ErrMalformedOutput, t.Shape)
	}
	return t, nil
}

func (e *Python) readResults(p *process) {
	defer p.wg.Done()
	if err := readFrames(p.stdout, func(resp pythonResponse) {
		select {
		case p.responses <- resp:
		default:
			e.logger.Warn().Uint64("id", resp.ID).Msg("dropping response, nobody waiting")
		}
	}, e.logger); err != nil {
		e.logger.Error().Err(err).Msg("failed to read from python worker")
	}
}

// readFrames decodes length-prefixed msgpack responses from r until EOF.
// A response that fails to decode is logged and skipped.
func readFrames(r io.Reader, handle func(pythonResponse), logger zerolog.Logger) error {
	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, lengthBuf); err != nil {
			if err == io.EOF {
				logger.Debug().Msg("python worker stdout closed (EOF)")
				return nil
			}
			return fmt.Errorf("read length prefix: %w", err)
		}

		msgLength := binary.BigEndian.Uint32(lengthBuf)
		data := make([]byte, msgLength)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("read msgpack data (%d bytes): %w", msgLength, err)
		}

		var resp pythonResponse
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			logger.Error().Err(err).Int("data_length", len(data)).Msg("failed to unmarshal msgpack response")
			continue
		}
		handle(resp)
	}
}

func (e *Python) logStderr(p *process) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			e.logger.Error().Str("log", line).Msg("python worker error")
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			e.logger.Warn().Str("log", line).Msg("python worker warning")
		default:
			e.logger.Debug().Str("log", line).Msg("python worker log")
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Error().Err(err).Msg("error reading stderr")
	}
}

func (e *Python) waitProcess(p *process) {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()
	pid := p.cmd.Process.Pid
	switch {
	case err == nil:
		e.logger.Info().Int("pid", pid).Msg("python process exited cleanly")
	case p.ctx.Err() != nil:
		e.logger.Debug().Int("pid", pid).Msg("python process exited (shutdown)")
	default:
		e.logger.Error().Err(err).Int("pid", pid).Msg("python process exited unexpectedly")
	}
}

// Stop terminates the worker: stdin is closed so it can exit on its own, and
// it is killed if it is still running after stopTimeout.
func (e *Python) Stop() error {
	e.mu.Lock()
	p := e.proc
	e.proc = nil
	e.mu.Unlock()

	if p == nil {
		return nil
	}
	e.stopProcess(p)
	return nil
}

func (e *Python) stopProcess(p *process) {
	p.cancel()
	_ = p.stdin.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("python engine stopped")
	case <-time.After(stopTimeout):
		e.logger.Warn().Msg("python engine stop timeout, killing process")
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}

// Restart replaces the worker process. An Infer blocked on the old process
// returns ErrNotRunning.
func (e *Python) Restart(ctx context.Context) error {
	e.mu.Lock()
	old := e.proc
	e.proc = nil
	e.mu.Unlock()

	if old != nil {
		e.stopProcess(old)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.spawn(ctx)
	if err != nil {
		return fmt.Errorf("failed to respawn python process: %w", err)
	}
	e.proc = p
	e.restarts.Add(1)
	e.lastSeenAt.Store(time.Now())
	e.logger.Warn().Uint64("restarts", e.restarts.Load()).Msg("python engine restarted")
	return nil
}

// Metrics returns a snapshot of the engine counters.
func (e *Python) Metrics() Metrics {
	e.mu.Lock()
	running := e.proc != nil
	e.mu.Unlock()

	responses := e.responses.Load()
	var avg float64
	if responses > 0 {
		avg = float64(e.totalLatencyUS.Load()) / float64(responses) / 1000
	}
	return Metrics{
		Running:      running,
		Requests:     e.requests.Load(),
		Responses:    responses,
		Failures:     e.failures.Load(),
		Restarts:     e.restarts.Load(),
		AvgLatencyMS: avg,
		LastSeenAt:   e.lastSeenAt.Load().(time.Time),
	}
}
