// Package core wires the camera source, the inference scheduler and the
// emitters into the posed service.
package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/config"
	"github.com/e7canasta/orion-pose/internal/control"
	"github.com/e7canasta/orion-pose/internal/crop"
	"github.com/e7canasta/orion-pose/internal/emitter"
	"github.com/e7canasta/orion-pose/internal/engine"
	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/resultbus"
	"github.com/e7canasta/orion-pose/internal/scheduler"
	"github.com/e7canasta/orion-pose/internal/source"
	"github.com/e7canasta/orion-pose/internal/types"
	"github.com/e7canasta/orion-pose/internal/window"
)

// Posed is the main service orchestrator
type Posed struct {
	cfg *config.Config

	// Core components
	stream    StreamProvider
	engine    InferenceEngine
	scheduler *scheduler.Scheduler

	transform   heatmap.Transform
	orientation types.Orientation

	cropMu sync.Mutex
	crop   *crop.Tracker // nil when disabled

	mqtt           *emitter.MQTT
	sinks          []emitter.Sink
	bus            *resultbus.Bus // joints fan-out, one drain goroutine per sink
	registry       *prometheus.Registry
	controlHandler *control.Handler
	healthServer   *http.Server

	// Tracking settings as last applied; the window itself belongs to the
	// scheduler worker.
	filterKind     filter.Kind
	trackingPeriod time.Duration
	accumulation   window.Accumulation

	restartedFor time.Time // ActiveSince of the stuck inference the watchdog last restarted

	// Lifecycle management
	started    time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	wg         sync.WaitGroup
	isRunning  bool
	runCtx     context.Context
	cancelCtx  context.CancelFunc
}

// New builds the service from a validated configuration.
func New(cfg *config.Config) (*Posed, error) {
	channels, err := channelMap(cfg.Model.Channels)
	if err != nil {
		return nil, err
	}

	eng, err := newEngine(cfg, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	var stream StreamProvider
	if cfg.Camera.RTSPURL != "" {
		rtsp, err := source.NewRTSP(source.RTSPConfig{
			URL:    cfg.Camera.RTSPURL,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rtsp stream: %w", err)
		}
		stream = rtsp
		log.Info().Str("url", cfg.Camera.RTSPURL).Msg("using rtsp stream")
	} else {
		stream = source.NewSynthetic(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
		log.Info().Msg("using synthetic stream (no rtsp_url configured)")
	}

	return newPosed(cfg, stream, eng, channels)
}

func newPosed(cfg *config.Config, stream StreamProvider, eng InferenceEngine, channels heatmap.ChannelMap) (*Posed, error) {
	kind, err := filter.ParseKind(cfg.Tracking.Filter)
	if err != nil {
		return nil, err
	}
	f, err := filter.New(kind)
	if err != nil {
		return nil, err
	}
	acc, err := window.ParseAccumulation(cfg.Tracking.Accumulation)
	if err != nil {
		return nil, err
	}
	orientation, err := types.ParseOrientation(cfg.Camera.Orientation)
	if err != nil {
		return nil, err
	}

	w := window.New(window.Config{
		TrackingPeriod:      cfg.TrackingPeriod(),
		ConfidenceThreshold: cfg.Tracking.ConfidenceThreshold,
		Accumulation:        acc,
	}, f)

	p := &Posed{
		cfg:            cfg,
		stream:         stream,
		engine:         eng,
		scheduler:      scheduler.New(scheduler.Config{InferenceTimeout: cfg.InferenceTimeout()}, eng, heatmap.NewDecoder(channels), w),
		bus:            resultbus.New(),
		transform:      heatmap.Identity(),
		orientation:    orientation,
		filterKind:     kind,
		trackingPeriod: cfg.TrackingPeriod(),
		accumulation:   acc,
	}
	p.registry = newRegistry(p)
	if cfg.Camera.Mirrored {
		p.transform = heatmap.MirrorX()
	}
	if cfg.Crop.Enabled {
		p.crop = crop.NewTracker(crop.Config{
			MinJoints:           cfg.Crop.MinJoints,
			PaddingX:            cfg.Crop.PaddingX,
			PaddingY:            cfg.Crop.PaddingY,
			Smoothing:           cfg.Crop.Smoothing,
			ConfidenceThreshold: crop.DefaultConfidenceThreshold,
		})
	}

	log.Info().
		Str("instance_id", cfg.InstanceID).
		Str("filter", string(kind)).
		Dur("tracking_period", cfg.TrackingPeriod()).
		Str("accumulation", acc.String()).
		Int("channels", channels.Len()).
		Bool("crop", cfg.Crop.Enabled).
		Msg("posed configured")
	return p, nil
}

func channelMap(names []string) (heatmap.ChannelMap, error) {
	if len(names) == 0 {
		return heatmap.DefaultChannelMap(), nil
	}
	return heatmap.ParseChannelMap(names)
}

func newEngine(cfg *config.Config, channels heatmap.ChannelMap) (InferenceEngine, error) {
	switch cfg.Model.Engine {
	case "python":
		py, err := engine.NewPython(engine.PythonConfig{
			Script:      cfg.Model.Script,
			ModelPath:   cfg.Model.ModelPath,
			InputWidth:  cfg.Model.InputWidth,
			InputHeight: cfg.Model.InputHeight,
			InstanceID:  cfg.InstanceID,
		})
		if err != nil {
			return nil, err
		}
		return py, nil
	case "synthetic", "":
		return engine.NewSynthetic(engine.SyntheticConfig{
			Channels: channels,
			Latency:  time.Duration(cfg.Model.LatencyMS) * time.Millisecond,
		}), nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Model.Engine)
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives. Call Shutdown afterwards, also when Run fails.
func (p *Posed) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	p.isRunning = true
	p.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	p.runCtx = ctx
	p.cancelCtx = cancel
	p.mu.Unlock()
	defer cancel()

	log.Info().Str("instance_id", p.cfg.InstanceID).Msg("posed service starting")

	if err := p.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if err := p.connectSinks(ctx); err != nil {
		return err
	}

	if p.mqtt != nil {
		p.controlHandler = control.NewHandler(p.cfg.MQTT, p.mqtt.Client(), control.Callbacks{
			OnGetStatus:         p.getStatus,
			OnPauseTracking:     p.pauseTracking,
			OnResumeTracking:    p.resumeTracking,
			OnSetFilter:         p.setFilter,
			OnSetTrackingPeriod: p.setTrackingPeriod,
			OnSetAccumulation:   p.setAccumulation,
			OnResetWindow:       p.resetWindow,
			OnShutdown:          p.shutdownViaControl,
		})
		if err := p.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	p.scheduler.SetDelegate(scheduler.DelegateFunc(p.onJointsUpdated))
	if err := p.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := p.stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}

	p.wg.Add(1)
	go p.consumeFrames(ctx)

	p.wg.Add(1)
	go p.statsLoop(ctx, 10*time.Second)

	if timeout := p.cfg.Watchdog(); timeout > 0 {
		p.wg.Add(1)
		go p.watchEngine(ctx, timeout)
	}

	log.Info().
		Int("sinks", len(p.sinks)).
		Bool("control_plane", p.controlHandler != nil).
		Bool("watchdog_enabled", p.cfg.Watchdog() > 0).
		Msg("posed service running")

	<-ctx.Done()

	log.Info().Msg("posed service run loop exiting")
	return nil
}

func (p *Posed) connectSinks(ctx context.Context) error {
	if p.cfg.MQTT.Broker != "" {
		p.mqtt = emitter.NewMQTT(p.cfg.MQTT, p.cfg.InstanceID)
		if err := p.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		if err := p.addSink(p.mqtt); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("mqtt.broker not set, joints are not published over mqtt and the control plane is off")
	}

	if p.cfg.Kafka.Enabled {
		k, err := emitter.NewKafka(p.cfg.Kafka, p.cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		if err := p.addSink(k); err != nil {
			return err
		}
	}
	return nil
}

func (p *Posed) addSink(s emitter.Sink) error {
	if err := p.bus.Attach(s); err != nil {
		return fmt.Errorf("failed to attach sink %s: %w", s.Name(), err)
	}
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
	return nil
}

// Shutdown performs graceful shutdown of all components
func (p *Posed) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancelCtx
	p.mu.Unlock()

	log.Info().Msg("shutting down posed service")
	if cancel != nil {
		cancel()
	}

	// 1. Stop the stream (no more frames)
	if err := p.stream.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop stream")
	}

	// 2. Stop control plane
	if p.controlHandler != nil {
		if err := p.controlHandler.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop control handler")
		}
	}

	// 3. Wait for the consumer, stats and watchdog goroutines
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for goroutines: %w", ctx.Err())
	}

	// 4. Stop the scheduler, then the engine it calls
	if err := p.scheduler.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop scheduler")
	}
	if err := p.engine.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop engine")
	}

	// 5. Flush the fan-out, then close sinks
	p.bus.Close()
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("failed to close sink")
		}
	}

	p.mu.RLock()
	server := p.healthServer
	p.mu.RUnlock()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("failed to stop health server")
		}
	}

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.isRunning = false
	p.mu.Unlock()

	log.Info().Dur("uptime", uptime).Msg("posed service shutdown complete")
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (p *Posed) ShutdownTimeout() time.Duration {
	if t := p.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

// currentCrop is the crop box for the next submission; zero means full frame.
func (p *Posed) currentCrop() r2.Rect {
	if p.crop == nil {
		return r2.Rect{}
	}
	p.cropMu.Lock()
	defer p.cropMu.Unlock()
	return p.crop.Current()
}

func (p *Posed) resetCrop() {
	if p.crop == nil {
		return
	}
	p.cropMu.Lock()
	p.crop.Reset()
	p.cropMu.Unlock()
}

func (p *Posed) runContext() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.runCtx == nil {
		return context.Background()
	}
	return p.runCtx
}
