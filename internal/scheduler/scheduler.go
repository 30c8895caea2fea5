// Package scheduler feeds camera frames to a single inference engine with
// latest-wins semantics and runs decoded results through the pose window.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/types"
	"github.com/e7canasta/orion-pose/internal/window"
)

// Config parameterizes a Scheduler.
type Config struct {
	// InferenceTimeout bounds a single engine call. Zero means no timeout.
	InferenceTimeout time.Duration

	// Now is the clock stamped on decoded joints. Defaults to time.Now.
	Now func() time.Time
}

// Scheduler guarantees at most one inference in flight and always works on
// the freshest frame.
//
// Goroutine topology:
//   - N external producers calling Submit (non-blocking)
//   - 1 worker (spawned by Start) that runs pumps and reconfiguration tasks
//
// The pending slot and the active flag share one mutex. The window, its filter
// and the decoder are touched only by the worker.
type Scheduler struct {
	cfg     Config
	engine  Engine
	decoder *heatmap.Decoder
	window  *window.Window
	logger  zerolog.Logger

	// --- Pending slot ---

	mu          sync.Mutex
	pending     *Submission // nil = nothing waiting
	active      bool        // true while the worker owns a frame
	activeSince time.Time

	// --- Worker queues ---

	pumps chan struct{} // coalesced pump requests (trampoline)
	tasks chan func()   // reconfiguration, run between inferences

	delegate atomic.Pointer[delegateRef]
	tracking atomic.Bool

	// --- Counters ---

	submitted  atomic.Uint64
	dropped    atomic.Uint64
	inferences atomic.Uint64
	failures   atomic.Uint64
	discarded  atomic.Uint64
	delivered  atomic.Uint64

	statsMu     sync.Mutex
	fps         fpsMeter
	lastResult  time.Time
	lastLatency time.Duration

	// --- Lifecycle ---

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedMu sync.Mutex
	started   bool
}

// delegateRef boxes the interface so it can live in an atomic.Pointer.
type delegateRef struct{ d Delegate }

// New returns a stopped scheduler with tracking enabled.
func New(cfg Config, engine Engine, decoder *heatmap.Decoder, w *window.Window) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Scheduler{
		cfg:     cfg,
		engine:  engine,
		decoder: decoder,
		window:  w,
		logger:  log.With().Str("component", "scheduler").Logger(),
		pumps:   make(chan struct{}, 1),
		tasks:   make(chan func(), 8),
	}
	s.tracking.Store(true)
	return s
}

// Start spawns the worker. Frames submitted before Start are picked up once
// it runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.workerLoop()

	s.schedulePump()
	s.logger.Info().Dur("inference_timeout", s.cfg.InferenceTimeout).Msg("scheduler started")
	return nil
}

// Stop cancels the worker and waits for it to exit. An inference in flight
// sees its context cancelled. Idempotent.
func (s *Scheduler) Stop() error {
	s.startedMu.Lock()
	if !s.started {
		s.startedMu.Unlock()
		return nil
	}
	s.started = false
	s.startedMu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	s.logger.Info().
		Uint64("submitted", s.submitted.Load()).
		Uint64("dropped", s.dropped.Load()).
		Uint64("delivered", s.delivered.Load()).
		Msg("scheduler stopped")
	return nil
}

// Submit hands a frame to the scheduler.
//
// Algorithm:
//  1. Lock the pending slot
//  2. Count a drop if an unconsumed frame is being replaced
//  3. Store the new frame (latest wins)
//  4. If no inference is active, request a pump
//
// Never blocks on inference.
func (s *Scheduler) Submit(sub Submission) {
	s.submitted.Add(1)

	s.mu.Lock()
	if s.pending != nil {
		s.dropped.Add(1)
	}
	s.pending = &sub
	idle := !s.active
	s.mu.Unlock()

	if idle {
		s.schedulePump()
	}
}

// schedulePump enqueues a pump on the worker. The queue holds one request;
// when it is already full the queued pump will see the latest frame anyway.
func (s *Scheduler) schedulePump() {
	select {
	case s.pumps <- struct{}{}:
	default:
	}
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.tasks:
			task()
		case <-s.pumps:
			s.pumpOnce()
		}
	}
}

// pumpOnce takes the pending frame, if any and if no inference is active,
// runs it to completion, then re-enqueues itself to drain a frame that
// arrived meanwhile. It only runs on the worker goroutine.
func (s *Scheduler) pumpOnce() {
	s.mu.Lock()
	if s.active || s.pending == nil {
		s.mu.Unlock()
		return
	}
	sub := *s.pending
	s.pending = nil
	s.active = true
	s.activeSince = time.Now()
	s.mu.Unlock()

	s.process(sub)

	s.mu.Lock()
	s.active = false
	s.activeSince = time.Time{}
	s.mu.Unlock()

	s.schedulePump()
}

func (s *Scheduler) process(sub Submission) {
	ctx := s.ctx
	if s.cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.InferenceTimeout)
		defer cancel()
	}

	started := time.Now()
	tensor, err := s.engine.Infer(ctx, types.InferenceRequest{
		Frame:       sub.Frame,
		Orientation: sub.Orientation,
		Crop:        sub.Crop,
	})
	latency := time.Since(started)
	if err != nil {
		s.failures.Add(1)
		if s.ctx.Err() == nil {
			s.logger.Warn().Err(err).
				Uint64("seq", sub.Frame.Seq).
				Str("trace_id", sub.Frame.TraceID).
				Dur("latency", latency).
				Msg("inference failed")
		}
		return
	}
	s.inferences.Add(1)

	if !s.tracking.Load() {
		s.discarded.Add(1)
		return
	}

	decoded := s.decoder.Decode(tensor, sub.Transform, sub.Crop, s.cfg.Now())
	joints := s.window.FilterJoints(decoded)

	now := time.Now()
	s.statsMu.Lock()
	s.fps.tick(now)
	s.lastResult = now
	s.lastLatency = latency
	s.statsMu.Unlock()

	s.logger.Debug().
		Uint64("seq", sub.Frame.Seq).
		Int("decoded", decoded.Len()).
		Int("joints", joints.Len()).
		Dur("latency", latency).
		Msg("frame processed")

	ref := s.delegate.Load()
	if ref == nil || ref.d == nil {
		return
	}
	s.delivered.Add(1)
	ref.d.OnJointsUpdated(Result{
		Joints:  joints,
		Decoded: decoded,
		Frame:   sub.Frame.Meta(),
		Crop:    sub.Crop,
		Latency: latency,
	})
}

// SetDelegate installs the receiver of filtered joints. nil detaches it;
// results produced while detached are dropped.
func (s *Scheduler) SetDelegate(d Delegate) {
	if d == nil {
		s.delegate.Store(nil)
		return
	}
	s.delegate.Store(&delegateRef{d: d})
}

// SetTracking enables or disables delivery. Disabling lets an in-flight
// inference finish but discards its result before it reaches the window.
func (s *Scheduler) SetTracking(enabled bool) {
	if s.tracking.Swap(enabled) == enabled {
		return
	}
	s.statsMu.Lock()
	s.fps.reset()
	s.statsMu.Unlock()
	s.logger.Info().Bool("tracking", enabled).Msg("tracking toggled")
}

// Tracking reports whether results are delivered.
func (s *Scheduler) Tracking() bool {
	return s.tracking.Load()
}

// Reconfigure runs fn on the worker goroutine between two inferences and
// waits for it. Use it for anything that touches the window or its filter.
func (s *Scheduler) Reconfigure(ctx context.Context, fn func(*window.Window)) error {
	s.startedMu.Lock()
	started := s.started
	workerCtx := s.ctx
	s.startedMu.Unlock()
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn(s.window)
	}

	select {
	case s.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-workerCtx.Done():
		return ErrNotStarted
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-workerCtx.Done():
		return ErrNotStarted
	}
}

// Stats returns a snapshot of the counters. Safe for concurrent use.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Submitted:         s.submitted.Load(),
		Dropped:           s.dropped.Load(),
		Inferences:        s.inferences.Load(),
		InferenceFailures: s.failures.Load(),
		Discarded:         s.discarded.Load(),
		Delivered:         s.delivered.Load(),
		Tracking:          s.tracking.Load(),
	}

	s.mu.Lock()
	st.InFlight = s.active
	st.ActiveSince = s.activeSince
	s.mu.Unlock()

	s.statsMu.Lock()
	st.FPS = s.fps.rate()
	st.LastResult = s.lastResult
	st.LastLatency = s.lastLatency
	s.statsMu.Unlock()

	return st
}
