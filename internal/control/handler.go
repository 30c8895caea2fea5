// Package control implements the MQTT control plane: JSON commands arrive on
// the control topic and responses are published on the health topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/config"
	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/window"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks are the actions behind each command. A nil callback makes its
// command answer "not implemented".
type Callbacks struct {
	OnGetStatus         func() map[string]interface{}
	OnPauseTracking     func() error
	OnResumeTracking    func() error
	OnSetFilter         func(filter.Kind) error
	OnSetTrackingPeriod func(time.Duration) error
	OnSetAccumulation   func(window.Accumulation) error
	OnResetWindow       func() error
	OnShutdown          func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	callbacks Callbacks
	logger    zerolog.Logger

	// commands is never closed: paho may still deliver after Stop. done
	// tells both ends to stand down.
	commands chan Command
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// shutdownDelay lets the shutdown ack reach the broker first.
	shutdownDelay time.Duration
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		callbacks:     callbacks,
		logger:        log.With().Str("component", "control").Logger(),
		commands:      make(chan Command, 10),
		done:          make(chan struct{}),
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and starts processing commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	h.logger.Info().Str("topic", topic).Uint8("qos", qos).Msg("subscribing to control plane")

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.wg.Add(1)
	go h.processCommands(ctx)

	h.logger.Info().Msg("control plane handler started")
	return nil
}

// Stop unsubscribes and waits for the command processor to exit.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.done)
		h.wg.Wait()
		h.logger.Info().Msg("control plane handler stopped")
	})
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	select {
	case <-h.done:
		h.logger.Debug().Msg("control handler stopped, ignoring message")
		return
	default:
	}

	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Error().Err(err).Msg("failed to parse control command")
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.logger.Info().Str("command", cmd.Command).Msg("control command received")

	select {
	case <-h.done:
	case h.commands <- cmd:
	default:
		h.logger.Warn().Str("command", cmd.Command).Msg("command queue full, dropping command")
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := h.execute(cmd)
	h.sendResponse(resp)

	if cmd.Command == "shutdown" && resp.Status == "success" {
		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				h.logger.Error().Err(err).Msg("shutdown callback failed")
			}
		}()
	}
}

// execute runs cmd and builds its response. Shutdown is acknowledged here and
// triggered by handleCommand once the ack is out.
func (h *Handler) execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	fail := func(format string, args ...interface{}) Response {
		resp.Status = "error"
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}
	ok := func(data map[string]interface{}) Response {
		resp.Status = "success"
		resp.Data = data
		return resp
	}
	run := func(fn func() error, data map[string]interface{}) Response {
		if err := fn(); err != nil {
			return fail("%v", err)
		}
		return ok(data)
	}

	cb := h.callbacks
	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			return fail("get_status not implemented")
		}
		return ok(cb.OnGetStatus())

	case "pause_tracking":
		if cb.OnPauseTracking == nil {
			return fail("pause_tracking not implemented")
		}
		return run(cb.OnPauseTracking, map[string]interface{}{"tracking": false})

	case "resume_tracking":
		if cb.OnResumeTracking == nil {
			return fail("resume_tracking not implemented")
		}
		return run(cb.OnResumeTracking, map[string]interface{}{"tracking": true})

	case "set_filter":
		if cb.OnSetFilter == nil {
			return fail("set_filter not implemented")
		}
		name, _ := cmd.Params["filter"].(string)
		kind, err := filter.ParseKind(name)
		if err != nil {
			return fail("invalid 'filter' parameter: %v", err)
		}
		return run(func() error { return cb.OnSetFilter(kind) }, map[string]interface{}{"filter": string(kind)})

	case "set_tracking_period":
		if cb.OnSetTrackingPeriod == nil {
			return fail("set_tracking_period not implemented")
		}
		ms, isNum := cmd.Params["period_ms"].(float64)
		if !isNum || ms < 0 {
			return fail("missing or invalid 'period_ms' parameter (expected number >= 0)")
		}
		period := time.Duration(ms * float64(time.Millisecond))
		return run(func() error { return cb.OnSetTrackingPeriod(period) }, map[string]interface{}{"period_ms": ms})

	case "set_accumulation":
		if cb.OnSetAccumulation == nil {
			return fail("set_accumulation not implemented")
		}
		name, _ := cmd.Params["strategy"].(string)
		acc, err := window.ParseAccumulation(name)
		if err != nil {
			return fail("invalid 'strategy' parameter: %v", err)
		}
		return run(func() error { return cb.OnSetAccumulation(acc) }, map[string]interface{}{"strategy": acc.String()})

	case "reset_window":
		if cb.OnResetWindow == nil {
			return fail("reset_window not implemented")
		}
		return run(cb.OnResetWindow, nil)

	case "shutdown":
		if cb.OnShutdown == nil {
			return fail("shutdown not implemented")
		}
		return ok(map[string]interface{}{"message": "shutting down"})
	}

	return fail("unknown command: %s", cmd.Command)
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}

	token := h.client.Publish(h.cfg.Topics.Health, h.cfg.QoS["health"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error().Msg("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error().Err(err).Msg("failed to publish response")
		return
	}

	h.logger.Debug().Str("command_ack", resp.CommandAck).Str("status", resp.Status).Msg("response sent")
}
