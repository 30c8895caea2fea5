package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-pose/internal/types"
)

// RTSPConfig configures an RTSP source.
type RTSPConfig struct {
	URL    string
	Width  int
	Height int
	FPS    int
}

// RTSP decodes an H.264 RTSP stream into RGB frames:
//
//	rtspsrc -> rtph264depay -> avdec_h264 -> videoconvert -> videoscale ->
//	videorate -> capsfilter(RGB, WxH, fps) -> appsink(max-buffers=1, drop)
//
// The pipeline reconnects with exponential backoff after errors or EOS.
type RTSP struct {
	cfg    RTSPConfig
	logger zerolog.Logger

	frames chan types.Frame

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time

	frameCount  atomic.Uint64
	bytesRead   atomic.Uint64
	reconnects  atomic.Uint32
	errors      atomic.Uint64
	dropped     atomic.Uint64
	connected   atomic.Bool
	lastFrameAt atomic.Value // time.Time

	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// NewRTSP validates cfg and returns a stopped source.
func NewRTSP(cfg RTSPConfig) (*RTSP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rtsp_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	s := &RTSP{
		cfg:           cfg,
		logger:        log.With().Str("component", "source").Str("source", "rtsp").Logger(),
		frames:        make(chan types.Frame, 1),
		maxRetries:    5,
		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
	}
	s.lastFrameAt.Store(time.Time{})
	return s, nil
}

// Start initialises GStreamer and runs the pipeline in the background.
func (s *RTSP) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("stream already started")
	}
	gst.Init(nil)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	s.wg.Add(1)
	go s.runPipeline()

	s.logger.Info().
		Str("url", s.cfg.URL).
		Str("resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height)).
		Int("target_fps", s.cfg.FPS).
		Msg("rtsp stream starting")
	return nil
}

func (s *RTSP) runPipeline() {
	defer s.wg.Done()
	defer close(s.frames)

	retries := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		playing, err := s.connectAndStream()
		if err != nil {
			s.errors.Add(1)
			s.logger.Error().Err(err).Msg("rtsp pipeline error")
		}
		s.connected.Store(false)
		if s.ctx.Err() != nil {
			return
		}

		if playing {
			retries = 0
		}
		retries++
		s.reconnects.Add(1)
		if retries > s.maxRetries {
			s.logger.Error().Int("retries", retries).Int("max_retries", s.maxRetries).
				Msg("max retries exceeded, stopping stream")
			return
		}

		delay := backoff(retries, s.retryDelay, s.maxRetryDelay)
		s.logger.Warn().Int("retry", retries).Dur("delay", delay).Msg("reconnecting to rtsp stream")

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// connectAndStream runs one pipeline until error, EOS or cancellation. It
// reports whether the pipeline reached PLAYING.
func (s *RTSP) connectAndStream() (playing bool, err error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return false, fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return false, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.cfg.URL)
	rtspsrc.SetProperty("protocols", 4) // TCP
	rtspsrc.SetProperty("latency", 200)

	elements, err := gst.NewElementMany("rtph264depay", "avdec_h264", "videoconvert", "videoscale", "videorate", "capsfilter")
	if err != nil {
		return false, fmt.Errorf("failed to create decode chain: %w", err)
	}
	depay, videorate, capsfilter := elements[0], elements[4], elements[5]
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsString(s.cfg.Width, s.cfg.Height, s.cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return false, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.AddMany(append([]*gst.Element{rtspsrc, appsink.Element}, elements...)...); err != nil {
		return false, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(append(elements, appsink.Element)...); err != nil {
		return false, fmt.Errorf("failed to link elements: %w", err)
	}

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		s.logger.Debug().Str("pad", srcPad.GetName()).Msg("rtspsrc pad added")
		if sinkPad := depay.GetStaticPad("sink"); sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return false, fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		if s.ctx.Err() != nil {
			return playing, nil
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Info().Msg("end of stream")
			return playing, nil

		case gst.MessageError:
			gerr := msg.ParseError()
			return playing, fmt.Errorf("pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying && !playing {
					playing = true
					s.connected.Store(true)
					s.logger.Info().Msg("rtsp stream connected")
				}
			}
		}
	}
}

func (s *RTSP) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()
	data := mapInfo.Bytes()
	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.Frame{
		Seq:       s.frameCount.Add(1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		Format:    "RGB24",
		TraceID:   uuid.New().String(),
	}
	s.lastFrameAt.Store(frame.Timestamp)
	s.bytesRead.Add(uint64(len(data)))

	if sendLatest(s.frames, frame) {
		s.dropped.Add(1)
		s.logger.Debug().Uint64("seq", frame.Seq).Msg("consumer behind, replaced pending frame")
	}
	return gst.FlowOK
}

// Frames returns the frame channel. It is closed when the pipeline gives up
// or the source is stopped.
func (s *RTSP) Frames() <-chan types.Frame {
	return s.frames
}

// Stop cancels the pipeline and waits up to 5s for it to wind down.
func (s *RTSP) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().
			Uint64("frames", s.frameCount.Load()).
			Uint64("dropped", s.dropped.Load()).
			Msg("rtsp stream stopped")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for rtsp pipeline to stop")
	}
}

// Stats returns stream statistics
func (s *RTSP) Stats() types.StreamStats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	frames := s.frameCount.Load()
	var fps float64
	if elapsed := time.Since(started).Seconds(); !started.IsZero() && elapsed > 0 {
		fps = float64(frames) / elapsed
	}
	return types.StreamStats{
		FrameCount:  frames,
		FPSTarget:   s.cfg.FPS,
		FPSReal:     fps,
		Resolution:  fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		Reconnects:  s.reconnects.Load(),
		BytesRead:   s.bytesRead.Load(),
		IsConnected: s.connected.Load(),
		Errors:      s.errors.Load(),
	}
}

// capsString is the raw video caps the appsink receives.
func capsString(width, height, fps int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1", width, height, fps)
}

// backoff returns base * 2^(attempt-1), capped at ceiling.
func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return ceiling
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}
