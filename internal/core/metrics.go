package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newRegistry exposes the scheduler, stream, engine and sink counters. Every
// metric reads the live stats when scraped.
func newRegistry(p *Posed) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"instance": p.cfg.InstanceID}

	counter := func(name, help string, value func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name, Help: help, ConstLabels: labels,
		}, value))
	}
	gauge := func(name, help string, value func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name, Help: help, ConstLabels: labels,
		}, value))
	}

	counter("posed_frames_submitted_total", "Frames handed to the scheduler.",
		func() float64 { return float64(p.scheduler.Stats().Submitted) })
	counter("posed_frames_dropped_total", "Pending frames replaced by a newer one.",
		func() float64 { return float64(p.scheduler.Stats().Dropped) })
	counter("posed_inferences_total", "Successful engine calls.",
		func() float64 { return float64(p.scheduler.Stats().Inferences) })
	counter("posed_inference_failures_total", "Engine errors and timeouts.",
		func() float64 { return float64(p.scheduler.Stats().InferenceFailures) })
	counter("posed_results_discarded_total", "Results dropped while tracking was off.",
		func() float64 { return float64(p.scheduler.Stats().Discarded) })
	counter("posed_results_delivered_total", "Filtered results delivered.",
		func() float64 { return float64(p.scheduler.Stats().Delivered) })
	gauge("posed_inference_fps", "Inference completions per second.",
		func() float64 { return p.scheduler.Stats().FPS })
	gauge("posed_inference_latency_seconds", "Latency of the last inference.",
		func() float64 { return p.scheduler.Stats().LastLatency.Seconds() })
	gauge("posed_tracking", "1 while results are delivered.",
		func() float64 { return boolValue(p.scheduler.Stats().Tracking) })

	counter("posed_stream_frames_total", "Frames read from the camera.",
		func() float64 { return float64(p.stream.Stats().FrameCount) })
	counter("posed_stream_reconnects_total", "Camera reconnects.",
		func() float64 { return float64(p.stream.Stats().Reconnects) })
	gauge("posed_stream_connected", "1 while the camera is connected.",
		func() float64 { return boolValue(p.stream.Stats().IsConnected) })

	counter("posed_engine_restarts_total", "Engine restarts.",
		func() float64 { return float64(p.engine.Metrics().Restarts) })
	gauge("posed_engine_running", "1 while the engine is up.",
		func() float64 { return boolValue(p.engine.Metrics().Running) })

	gauge("posed_uptime_seconds", "Seconds since the service started.", func() float64 {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if !p.isRunning {
			return 0
		}
		return time.Since(p.started).Seconds()
	})

	reg.MustRegister(newSinkCollector(p, labels))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// sinkCollector reports per sink counters. Sinks are attached when the
// service runs, so the set is read on every scrape.
type sinkCollector struct {
	p *Posed

	published *prometheus.Desc
	errors    *prometheus.Desc
	connected *prometheus.Desc
	sent      *prometheus.Desc
	failed    *prometheus.Desc
	dropped   *prometheus.Desc
	fanout    *prometheus.Desc
}

func newSinkCollector(p *Posed, labels prometheus.Labels) *sinkCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, []string{"sink"}, labels)
	}
	return &sinkCollector{
		p:         p,
		published: desc("posed_sink_published_total", "Updates acknowledged by the sink client."),
		errors:    desc("posed_sink_errors_total", "Errors reported by the sink client."),
		connected: desc("posed_sink_connected", "1 while the sink reaches its broker."),
		sent:      desc("posed_sink_sent_total", "Updates the fan-out handed to the sink."),
		failed:    desc("posed_sink_failed_total", "Updates the sink failed to publish."),
		dropped:   desc("posed_sink_dropped_total", "Updates replaced before the sink took them."),
		fanout:    prometheus.NewDesc("posed_fanout_published_total", "Updates handed to the fan-out.", nil, labels),
	}
}

func (c *sinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.errors
	ch <- c.connected
	ch <- c.sent
	ch <- c.failed
	ch <- c.dropped
	ch <- c.fanout
}

func (c *sinkCollector) Collect(ch chan<- prometheus.Metric) {
	c.p.mu.RLock()
	sinks := c.p.sinks
	c.p.mu.RUnlock()
	fanout := c.p.bus.Stats()

	for _, s := range sinks {
		name := s.Name()
		st := s.Stats()
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(st.Published), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors), name)
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolValue(st.Connected), name)

		bs := fanout.Sinks[name]
		ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(bs.Sent), name)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(bs.Failed), name)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(bs.Dropped), name)
	}
	ch <- prometheus.MustNewConstMetric(c.fanout, prometheus.CounterValue, float64(fanout.Published))
}
