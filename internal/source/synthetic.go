// Package source provides camera frame sources: a synthetic ticker for
// development and an RTSP source built on GStreamer.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/types"
)

// Synthetic generates blank RGB24 frames at a fixed rate.
type Synthetic struct {
	width  int
	height int
	fps    int

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	startTime time.Time

	seq           atomic.Uint64
	framesEmitted atomic.Uint64
	dropped       atomic.Uint64
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(width, height, fps int) *Synthetic {
	if fps <= 0 {
		fps = 30
	}
	return &Synthetic{
		width:    width,
		height:   height,
		fps:      fps,
		framesCh: make(chan types.Frame, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames
func (m *Synthetic) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	log.Info().
		Int("width", m.width).
		Int("height", m.height).
		Int("fps", m.fps).
		Msg("synthetic source starting")

	m.wg.Add(1)
	go m.generateFrames(ctx)
	return nil
}

// Frames returns the frames channel. It is closed by Stop.
func (m *Synthetic) Frames() <-chan types.Frame {
	return m.framesCh
}

// Stop stops the source
func (m *Synthetic) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.framesCh)

	log.Info().
		Uint64("frames_emitted", m.framesEmitted.Load()).
		Uint64("dropped", m.dropped.Load()).
		Dur("duration", time.Since(m.startTime)).
		Msg("synthetic source stopped")
	return nil
}

// Stats returns source statistics
func (m *Synthetic) Stats() types.StreamStats {
	m.mu.RLock()
	running, started := m.isRunning, m.startTime
	m.mu.RUnlock()

	emitted := m.framesEmitted.Load()
	var fpsReal float64
	if running && emitted > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(emitted) / elapsed
		}
	}
	return types.StreamStats{
		FrameCount:  emitted,
		FPSTarget:   m.fps,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", m.width, m.height),
		IsConnected: running,
	}
}

func (m *Synthetic) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			frame := m.createFrame()
			m.framesEmitted.Add(1)
			// consumer is behind; a camera does not wait either
			if sendLatest(m.framesCh, frame) {
				m.dropped.Add(1)
			}
		}
	}
}

func (m *Synthetic) createFrame() types.Frame {
	return types.Frame{
		Seq:       m.seq.Add(1),
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      make([]byte, m.width*m.height*3),
		Format:    "RGB24",
		TraceID:   uuid.New().String(),
	}
}
