package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/emitter"
	"github.com/e7canasta/orion-pose/internal/engine"
	"github.com/e7canasta/orion-pose/internal/resultbus"
	"github.com/e7canasta/orion-pose/internal/scheduler"
	"github.com/e7canasta/orion-pose/internal/types"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string                   `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64                    `json:"uptime_seconds"`
	StreamConnected bool                     `json:"stream_connected"`
	EngineRunning   bool                     `json:"engine_running"`
	Scheduler       scheduler.Stats          `json:"scheduler"`
	Stream          types.StreamStats        `json:"stream"`
	Engine          engine.Metrics           `json:"engine"`
	Sinks           map[string]emitter.Stats `json:"sinks,omitempty"`
	Fanout          resultbus.Stats          `json:"fanout"`
}

// HealthCheck returns the current health status of the service.
//
// Unhealthy: not running, or the engine is down. Degraded: the camera is
// disconnected or a sink lost its broker.
func (p *Posed) HealthCheck() HealthStatus {
	p.mu.RLock()
	running := p.isRunning
	started := p.started
	sinks := p.sinks
	p.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Scheduler: p.scheduler.Stats(),
		Stream:    p.stream.Stats(),
		Engine:    p.engine.Metrics(),
		Sinks:     make(map[string]emitter.Stats, len(sinks)),
		Fanout:    p.bus.Stats(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	status.StreamConnected = status.Stream.IsConnected
	status.EngineRunning = status.Engine.Running

	sinksUp := true
	for _, s := range sinks {
		st := s.Stats()
		status.Sinks[s.Name()] = st
		if !st.Connected {
			sinksUp = false
		}
	}

	switch {
	case !running || !status.EngineRunning:
		status.Status = "unhealthy"
	case !status.StreamConnected || !sinksUp:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health: 200 while the process is alive.
func (p *Posed) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness: 503 when unhealthy, 200 otherwise
// (degraded is still ready).
func (p *Posed) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := p.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus exposition format.
func (p *Posed) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block; Shutdown stops it.
func (p *Posed) StartHealthServer(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.LivenessHandler)
	mux.HandleFunc("/readiness", p.ReadinessHandler)
	mux.HandleFunc("/metrics", p.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	p.mu.Lock()
	p.healthServer = server
	p.mu.Unlock()

	log.Info().
		Int("port", port).
		Strs("endpoints", []string{"/health", "/readiness", "/metrics"}).
		Msg("starting health check server")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health check server failed")
		}
	}()
	return nil
}
