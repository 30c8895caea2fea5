package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/window"
)

const reconfigureTimeout = 2 * time.Second

// getStatus returns the current service status
func (p *Posed) getStatus() map[string]interface{} {
	health := p.HealthCheck()

	p.mu.RLock()
	tracking := map[string]interface{}{
		"enabled":              p.scheduler.Tracking(),
		"filter":               string(p.filterKind),
		"period_ms":            p.trackingPeriod.Milliseconds(),
		"accumulation":         p.accumulation.String(),
		"confidence_threshold": p.cfg.Tracking.ConfidenceThreshold,
		"last_update":          p.lastUpdate,
	}
	p.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": p.cfg.InstanceID,
		"status":      health.Status,
		"uptime_s":    health.UptimeSeconds,
		"tracking":    tracking,
		"scheduler":   health.Scheduler,
		"stream":      health.Stream,
		"engine":      health.Engine,
		"sinks":       health.Sinks,
	}
	if c := p.currentCrop(); c.X.Length() > 0 {
		status["crop"] = map[string]float64{
			"x": c.X.Lo, "y": c.Y.Lo, "width": c.X.Length(), "height": c.Y.Length(),
		}
	}
	return status
}

// pauseTracking stops delivering results. Frames keep flowing so the
// inference pipeline stays warm.
func (p *Posed) pauseTracking() error {
	p.scheduler.SetTracking(false)
	p.resetCrop()
	log.Info().Msg("tracking paused via control plane")
	return nil
}

func (p *Posed) resumeTracking() error {
	p.scheduler.SetTracking(true)
	log.Info().Msg("tracking resumed via control plane")
	return nil
}

func (p *Posed) setFilter(kind filter.Kind) error {
	f, err := filter.New(kind)
	if err != nil {
		return err
	}
	if err := p.reconfigure(func(w *window.Window) { w.SetFilter(f) }); err != nil {
		return fmt.Errorf("failed to set filter: %w", err)
	}

	p.mu.Lock()
	old := p.filterKind
	p.filterKind = kind
	p.mu.Unlock()

	log.Info().Str("old", string(old)).Str("new", string(kind)).Msg("filter changed")
	return nil
}

func (p *Posed) setTrackingPeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("tracking period must be >= 0, got %s", d)
	}
	if err := p.reconfigure(func(w *window.Window) { w.SetTrackingPeriod(d) }); err != nil {
		return fmt.Errorf("failed to set tracking period: %w", err)
	}

	p.mu.Lock()
	p.trackingPeriod = d
	p.mu.Unlock()

	log.Info().Dur("tracking_period", d).Msg("tracking period changed")
	return nil
}

func (p *Posed) setAccumulation(a window.Accumulation) error {
	if err := p.reconfigure(func(w *window.Window) { w.SetAccumulation(a) }); err != nil {
		return fmt.Errorf("failed to set accumulation: %w", err)
	}

	p.mu.Lock()
	p.accumulation = a
	p.mu.Unlock()

	log.Info().Str("accumulation", a.String()).Msg("accumulation strategy changed")
	return nil
}

// resetWindow drops the pose history and the crop box.
func (p *Posed) resetWindow() error {
	if err := p.reconfigure(func(w *window.Window) { w.Reset() }); err != nil {
		return fmt.Errorf("failed to reset window: %w", err)
	}
	p.resetCrop()
	log.Info().Msg("pose window reset")
	return nil
}

func (p *Posed) shutdownViaControl() error {
	log.Info().Msg("shutdown requested via control plane")
	p.mu.RLock()
	cancel := p.cancelCtx
	p.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

func (p *Posed) reconfigure(fn func(*window.Window)) error {
	ctx, cancel := context.WithTimeout(p.runContext(), reconfigureTimeout)
	defer cancel()
	return p.scheduler.Reconfigure(ctx, fn)
}
