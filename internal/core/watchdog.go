package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// watchEngine restarts the engine when one inference has been in flight for
// longer than timeout.
func (p *Posed) watchEngine(ctx context.Context, timeout time.Duration) {
	defer p.wg.Done()

	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.checkEngine(ctx, now, timeout)
		}
	}
}

// checkEngine restarts the engine at most once per stuck inference and
// reports whether it tried.
func (p *Posed) checkEngine(ctx context.Context, now time.Time, timeout time.Duration) bool {
	st := p.scheduler.Stats()
	if !st.InFlight || st.ActiveSince.IsZero() {
		return false
	}
	stuckFor := now.Sub(st.ActiveSince)
	if stuckFor <= timeout || st.ActiveSince.Equal(p.restartedFor) {
		return false
	}
	p.restartedFor = st.ActiveSince

	metrics := p.engine.Metrics()
	log.Warn().
		Dur("in_flight_for", stuckFor).
		Dur("watchdog_timeout", timeout).
		Uint64("requests", metrics.Requests).
		Time("last_seen_at", metrics.LastSeenAt).
		Msg("engine appears hung, attempting restart")

	if err := p.engine.Restart(ctx); err != nil {
		log.Error().Err(err).Str("action", "manual intervention required").Msg("failed to restart engine")
		return true
	}
	log.Info().Msg("engine restarted successfully")
	return true
}
