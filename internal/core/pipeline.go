package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/emitter"
	"github.com/e7canasta/orion-pose/internal/scheduler"
)

// consumeFrames hands every camera frame to the scheduler, stamped with the
// current crop box. The scheduler keeps only the latest.
func (p *Posed) consumeFrames(ctx context.Context) {
	defer p.wg.Done()

	log.Info().Msg("frame consumer started")

	frameCount := uint64(0)
	lastLog := time.Now()
	logInterval := 5 * time.Second
	frames := p.stream.Frames()

	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("total_frames", frameCount).Msg("frame consumer stopping")
			return

		case frame, ok := <-frames:
			if !ok {
				log.Warn().Uint64("total_frames", frameCount).Msg("stream channel closed")
				return
			}
			frameCount++

			p.scheduler.Submit(scheduler.Submission{
				Frame:       frame,
				Transform:   p.transform,
				Orientation: p.orientation,
				Crop:        p.currentCrop(),
			})

			if time.Since(lastLog) >= logInterval {
				streamStats := p.stream.Stats()
				st := p.scheduler.Stats()
				log.Debug().
					Uint64("frames_consumed", frameCount).
					Float64("stream_fps_real", float64(int(streamStats.FPSReal*100))/100).
					Uint64("dropped", st.Dropped).
					Float64("inference_fps", float64(int(st.FPS*100))/100).
					Uint64("last_seq", frame.Seq).
					Msg("pipeline stats")
				lastLog = time.Now()
			}
		}
	}
}

// onJointsUpdated runs on the scheduler worker for every delivered result.
// Sinks drain the bus on their own goroutines.
func (p *Posed) onJointsUpdated(r scheduler.Result) {
	if p.crop != nil {
		p.cropMu.Lock()
		p.crop.Observe(r.Decoded, r.Frame.Timestamp)
		p.cropMu.Unlock()
	}

	p.mu.Lock()
	p.lastUpdate = time.Now()
	p.mu.Unlock()

	u := emitter.NewUpdate(p.cfg.InstanceID, r)
	p.bus.Publish(u)

	log.Debug().
		Uint64("seq", u.Seq).
		Str("trace_id", u.TraceID).
		Int("joints", len(u.Joints)).
		Float64("latency_ms", u.LatencyMS).
		Msg("joints updated")
}

// statsLoop logs pipeline counters and publishes the health status on the
// MQTT health topic.
func (p *Posed) statsLoop(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := p.HealthCheck()
			st := health.Scheduler
			log.Info().
				Str("status", health.Status).
				Uint64("submitted", st.Submitted).
				Uint64("dropped", st.Dropped).
				Uint64("inferences", st.Inferences).
				Uint64("failures", st.InferenceFailures).
				Uint64("delivered", st.Delivered).
				Float64("fps", st.FPS).
				Bool("tracking", st.Tracking).
				Msg("scheduler stats")

			if p.mqtt == nil {
				continue
			}
			payload, err := json.Marshal(health)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal health")
				continue
			}
			if err := p.mqtt.PublishHealth(payload); err != nil {
				log.Warn().Err(err).Msg("failed to publish health")
			}
		}
	}
}
