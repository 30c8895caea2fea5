package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose/internal/config"
	"github.com/e7canasta/orion-pose/internal/emitter"
	"github.com/e7canasta/orion-pose/internal/engine"
	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/scheduler"
	"github.com/e7canasta/orion-pose/internal/types"
	"github.com/e7canasta/orion-pose/internal/window"
)

type fakeStream struct {
	frames chan types.Frame
	seq    atomic.Uint64
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan types.Frame, 8)}
}

func (s *fakeStream) Start(context.Context) error { return nil }
func (s *fakeStream) Frames() <-chan types.Frame  { return s.frames }

func (s *fakeStream) Stop() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

func (s *fakeStream) Stats() types.StreamStats {
	return types.StreamStats{FrameCount: s.seq.Load(), IsConnected: true}
}

func (s *fakeStream) push() {
	seq := s.seq.Add(1)
	s.frames <- types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     640,
		Height:    480,
		Format:    "RGB24",
		TraceID:   uuid.NewString(),
	}
}

// recorderSink keeps every update it is handed.
type recorderSink struct {
	mu      sync.Mutex
	updates []emitter.Update
	closed  bool
}

func (r *recorderSink) Name() string { return "recorder" }

func (r *recorderSink) Publish(u emitter.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorderSink) Stats() emitter.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return emitter.Stats{Connected: !r.closed, Published: uint64(len(r.updates))}
}

func (r *recorderSink) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorderSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorderSink) last() emitter.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

// stuckEngine blocks every inference until released. Restart only counts.
type stuckEngine struct {
	started  chan struct{}
	release  chan struct{}
	restarts atomic.Int32
}

func newStuckEngine() *stuckEngine {
	return &stuckEngine{started: make(chan struct{}, 4), release: make(chan struct{}, 4)}
}

func (e *stuckEngine) Infer(ctx context.Context, req types.InferenceRequest) (heatmap.Tensor, error) {
	e.started <- struct{}{}
	select {
	case <-e.release:
		return heatmap.Tensor{}, engine.ErrMalformedOutput
	case <-ctx.Done():
		return heatmap.Tensor{}, ctx.Err()
	}
}

func (e *stuckEngine) Start(context.Context) error { return nil }
func (e *stuckEngine) Stop() error                 { return nil }

func (e *stuckEngine) Restart(context.Context) error {
	e.restarts.Add(1)
	return nil
}

func (e *stuckEngine) Metrics() engine.Metrics {
	return engine.Metrics{Running: true, Restarts: uint64(e.restarts.Load())}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.InstanceID = "test-posed"
	cfg.Tracking.PeriodMS = 0
	return cfg
}

func newTestPosed(t *testing.T, eng InferenceEngine) (*Posed, *fakeStream, *recorderSink) {
	t.Helper()
	stream := newFakeStream()
	p, err := newPosed(testConfig(), stream, eng, heatmap.DefaultChannelMap())
	require.NoError(t, err)
	sink := &recorderSink{}
	require.NoError(t, p.addSink(sink))
	return p, stream, sink
}

// startPosed runs p until the test ends.
func startPosed(t *testing.T, p *Posed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.scheduler.Stats().Tracking && p.HealthCheck().Status == "healthy"
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		assert.NoError(t, p.Shutdown(sctx))
	})
}

func TestNewPosedRejectsBadTracking(t *testing.T) {
	cfg := testConfig()
	cfg.Tracking.Filter = "kalman"
	_, err := newPosed(cfg, newFakeStream(), engine.NewSynthetic(engine.SyntheticConfig{}), heatmap.DefaultChannelMap())
	assert.ErrorIs(t, err, filter.ErrUnknownKind)

	cfg = testConfig()
	cfg.Camera.Orientation = "sideways"
	_, err = newPosed(cfg, newFakeStream(), engine.NewSynthetic(engine.SyntheticConfig{}), heatmap.DefaultChannelMap())
	assert.Error(t, err)
}

func TestPipelineDeliversJointsToSinks(t *testing.T) {
	p, stream, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))
	startPosed(t, p)

	stream.push()
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	u := sink.last()
	assert.Equal(t, "test-posed", u.InstanceID)
	assert.Equal(t, uint64(1), u.Seq)
	assert.NotEmpty(t, u.TraceID)
	assert.NotEmpty(t, u.Joints)

	// the crop tracker saw the delivered frame
	c := p.currentCrop()
	assert.Greater(t, c.X.Length(), 0.0)
	assert.Greater(t, c.Y.Length(), 0.0)

	p.mu.RLock()
	assert.False(t, p.lastUpdate.IsZero())
	p.mu.RUnlock()
}

func TestPauseTrackingDiscardsResults(t *testing.T) {
	p, stream, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))
	startPosed(t, p)

	stream.push()
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.pauseTracking())
	assert.False(t, p.scheduler.Tracking())
	assert.Zero(t, p.currentCrop().X.Length(), "pausing drops the crop box")

	stream.push()
	require.Eventually(t, func() bool { return p.scheduler.Stats().Discarded == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sink.count())

	require.NoError(t, p.resumeTracking())
	stream.push()
	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(3), sink.last().Seq)
}

func TestControlCommandsReconfigureWindow(t *testing.T) {
	p, stream, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))
	startPosed(t, p)

	require.NoError(t, p.setFilter(filter.KindOneEuro))
	require.NoError(t, p.setTrackingPeriod(300*time.Millisecond))
	require.NoError(t, p.setAccumulation(window.AccumulateFiltered))

	status := p.getStatus()
	tracking, ok := status["tracking"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "one_euro", tracking["filter"])
	assert.Equal(t, int64(300), tracking["period_ms"])
	assert.Equal(t, "filtered", tracking["accumulation"])
	assert.Equal(t, true, tracking["enabled"])
	assert.Equal(t, "test-posed", status["instance_id"])

	assert.Error(t, p.setTrackingPeriod(-time.Second))
	assert.ErrorIs(t, p.setFilter(filter.Kind("kalman")), filter.ErrUnknownKind)

	// results still flow through the reconfigured window
	stream.push()
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, p.getStatus(), "crop")

	require.NoError(t, p.resetWindow())
	assert.Zero(t, p.currentCrop().X.Length())
	assert.NotContains(t, p.getStatus(), "crop")
}

func TestShutdownViaControlStopsRun(t *testing.T) {
	p, _, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))
	assert.Error(t, p.shutdownViaControl(), "not running yet")

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(context.Background()) }()
	require.Eventually(t, func() bool { return p.HealthCheck().Status == "healthy" }, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, p.Run(context.Background()), "second Run is refused")

	require.NoError(t, p.shutdownViaControl())
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, "unhealthy", p.HealthCheck().Status)
	assert.False(t, sink.Stats().Connected, "sinks are closed")

	// a second shutdown is a no-op
	assert.NoError(t, p.Shutdown(ctx))
}

func TestCheckEngineRestartsOncePerStuckInference(t *testing.T) {
	eng := newStuckEngine()
	p, _, _ := newTestPosed(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.scheduler.Start(ctx))
	defer p.scheduler.Stop()

	assert.False(t, p.checkEngine(ctx, time.Now(), time.Second), "nothing in flight")

	submit := func(seq uint64) {
		p.scheduler.Submit(scheduler.Submission{Frame: types.Frame{Seq: seq, Timestamp: time.Now()}})
		select {
		case <-eng.started:
		case <-time.After(2 * time.Second):
			t.Fatal("inference did not start")
		}
	}

	submit(1)
	assert.False(t, p.checkEngine(ctx, time.Now(), time.Minute), "not stuck long enough")

	later := time.Now().Add(time.Minute)
	assert.True(t, p.checkEngine(ctx, later, time.Second))
	assert.False(t, p.checkEngine(ctx, later.Add(time.Second), time.Second), "same episode")
	assert.Equal(t, int32(1), eng.restarts.Load())

	eng.release <- struct{}{}
	require.Eventually(t, func() bool { return !p.scheduler.Stats().InFlight }, 2*time.Second, 10*time.Millisecond)

	submit(2)
	assert.True(t, p.checkEngine(ctx, time.Now().Add(time.Minute), time.Second), "new episode")
	assert.Equal(t, int32(2), eng.restarts.Load())

	eng.release <- struct{}{}
}

func TestHealthEndpoints(t *testing.T) {
	p, stream, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))

	rec := httptest.NewRecorder()
	p.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	p.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)

	startPosed(t, p)
	stream.push()
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	p.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	require.Eventually(t, func() bool { return p.bus.Stats().Sinks["recorder"].Sent == 1 }, time.Second, 5*time.Millisecond)
	rec = httptest.NewRecorder()
	p.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "# TYPE posed_inferences_total counter")
	assert.Contains(t, body, `posed_inferences_total{instance="test-posed"} 1`)
	assert.Contains(t, body, `posed_sink_published_total{instance="test-posed",sink="recorder"} 1`)
	assert.Contains(t, body, `posed_stream_connected{instance="test-posed"} 1`)
	assert.Contains(t, body, `posed_sink_sent_total{instance="test-posed",sink="recorder"} 1`)
	assert.Contains(t, body, `posed_sink_dropped_total{instance="test-posed",sink="recorder"} 0`)
	assert.Contains(t, body, `posed_fanout_published_total{instance="test-posed"} 1`)
}

func TestHealthDegradedWhenSinkDown(t *testing.T) {
	p, _, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))
	startPosed(t, p)

	sink.Close()
	h := p.HealthCheck()
	assert.Equal(t, "degraded", h.Status)
	assert.True(t, h.EngineRunning)
	assert.False(t, h.Sinks["recorder"].Connected)
}

// blockedSink never returns from Publish until released, like an MQTT client
// waiting out its publish timeout against a dead broker.
type blockedSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockedSink) Name() string { return "stalled" }

func (b *blockedSink) Publish(emitter.Update) error {
	b.calls.Add(1)
	<-b.release
	return nil
}

func (b *blockedSink) Stats() emitter.Stats { return emitter.Stats{Connected: true} }
func (b *blockedSink) Close() error         { return nil }

// TestBlockedSinkDoesNotStallDelivery verifies the fan-out isolation.
//
// Scenario: one sink hangs inside Publish while frames keep arriving.
// Contract: inference and delivery to the other sink continue, and the
// hung sink's backlog collapses to one pending update.
func TestBlockedSinkDoesNotStallDelivery(t *testing.T) {
	p, stream, sink := newTestPosed(t, engine.NewSynthetic(engine.SyntheticConfig{}))
	stalled := &blockedSink{release: make(chan struct{})}
	require.NoError(t, p.addSink(stalled))
	startPosed(t, p)
	t.Cleanup(func() { close(stalled.release) })

	const frames = 5
	for i := 1; i <= frames; i++ {
		stream.push()
		want := i
		require.Eventually(t, func() bool { return sink.count() >= want }, 2*time.Second, 5*time.Millisecond)
		if i == 1 {
			require.Eventually(t, func() bool { return stalled.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		}
	}

	assert.GreaterOrEqual(t, p.scheduler.Stats().Delivered, uint64(frames))
	assert.Equal(t, int32(1), stalled.calls.Load())

	fanout := p.bus.Stats()
	assert.Equal(t, uint64(frames), fanout.Published)
	assert.Equal(t, uint64(frames-2), fanout.Sinks["stalled"].Dropped)
	assert.Zero(t, fanout.Sinks["stalled"].Sent)
}
