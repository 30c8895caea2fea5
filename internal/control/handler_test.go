package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose/internal/config"
	"github.com/e7canasta/orion-pose/internal/filter"
	"github.com/e7canasta/orion-pose/internal/window"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

// fakeBroker records the control subscription and every publish.
type fakeBroker struct {
	mqtt.Client

	mu        sync.Mutex
	handler   mqtt.MessageHandler
	topic     string
	responses chan Response
	unsubbed  bool
	offline   bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{responses: make(chan Response, 16)}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic, b.handler = topic, cb
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(...string) mqtt.Token {
	b.mu.Lock()
	b.unsubbed = true
	b.mu.Unlock()
	return doneToken{}
}

func (b *fakeBroker) Publish(_ string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var resp Response
	if err := json.Unmarshal(payload.([]byte), &resp); err == nil {
		b.responses <- resp
	}
	return doneToken{}
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.offline
}

func (b *fakeBroker) send(t *testing.T, raw string) Response {
	t.Helper()
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	require.NotNil(t, handler)
	handler(b, fakeMessage{payload: []byte(raw)})

	select {
	case resp := <-b.responses:
		return resp
	case <-time.After(time.Second):
		t.Fatalf("no response to %s", raw)
		return Response{}
	}
}

func mqttConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Topics: config.MQTTTopics{Control: "posed/control/cam-1", Health: "posed/health/cam-1"},
		QoS:    map[string]byte{"control": 1},
	}
}

func startHandler(t *testing.T, cb Callbacks) (*Handler, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	h := NewHandler(mqttConfig(), broker, cb)
	h.shutdownDelay = 0
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Stop() })
	return h, broker
}

func TestCommandsReachCallbacks(t *testing.T) {
	var (
		tracking = true
		kind     filter.Kind
		period   time.Duration
		acc      window.Accumulation
		resets   int
	)
	_, broker := startHandler(t, Callbacks{
		OnGetStatus:         func() map[string]interface{} { return map[string]interface{}{"tracking": tracking} },
		OnPauseTracking:     func() error { tracking = false; return nil },
		OnResumeTracking:    func() error { tracking = true; return nil },
		OnSetFilter:         func(k filter.Kind) error { kind = k; return nil },
		OnSetTrackingPeriod: func(d time.Duration) error { period = d; return nil },
		OnSetAccumulation:   func(a window.Accumulation) error { acc = a; return nil },
		OnResetWindow:       func() error { resets++; return nil },
	})
	assert.Equal(t, "posed/control/cam-1", broker.topic)

	resp := broker.send(t, `{"command":"pause_tracking"}`)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "pause_tracking", resp.CommandAck)
	assert.NotEmpty(t, resp.Timestamp)
	assert.False(t, tracking)

	resp = broker.send(t, `{"command":"get_status"}`)
	assert.Equal(t, false, resp.Data["tracking"])

	broker.send(t, `{"command":"resume_tracking"}`)
	assert.True(t, tracking)

	resp = broker.send(t, `{"command":"set_filter","params":{"filter":"Moving-Average"}}`)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, filter.KindMovingAverage, kind)

	broker.send(t, `{"command":"set_tracking_period","params":{"period_ms":350}}`)
	assert.Equal(t, 350*time.Millisecond, period)

	broker.send(t, `{"command":"set_accumulation","params":{"strategy":"filtered"}}`)
	assert.Equal(t, window.AccumulateFiltered, acc)

	broker.send(t, `{"command":"reset_window"}`)
	assert.Equal(t, 1, resets)
}

func TestCommandErrors(t *testing.T) {
	_, broker := startHandler(t, Callbacks{
		OnSetFilter:         func(filter.Kind) error { return nil },
		OnSetTrackingPeriod: func(time.Duration) error { return nil },
		OnResetWindow:       func() error { return errors.New("scheduler not started") },
	})

	cases := map[string]string{
		`not json`:                     "invalid JSON",
		`{"command":"warp_speed"}`:     "unknown command: warp_speed",
		`{"command":"get_status"}`:     "get_status not implemented",
		`{"command":"pause_tracking"}`: "pause_tracking not implemented",
		`{"command":"shutdown"}`:       "shutdown not implemented",
		`{"command":"reset_window"}`:   "scheduler not started",
		`{"command":"set_tracking_period","params":{"period_ms":-5}}`:   "invalid 'period_ms'",
		`{"command":"set_tracking_period","params":{"period_ms":"1s"}}`: "invalid 'period_ms'",
		`{"command":"set_filter","params":{"filter":"kalman"}}`:         "invalid 'filter'",
		`{"command":"set_filter"}`:                                      "invalid 'filter'",
	}
	for raw, want := range cases {
		resp := broker.send(t, raw)
		assert.Equal(t, "error", resp.Status, raw)
		assert.Contains(t, resp.Error, want, raw)
	}
}

func TestShutdownAcksBeforeCallback(t *testing.T) {
	called := make(chan struct{})
	_, broker := startHandler(t, Callbacks{
		OnShutdown: func() error { close(called); return nil },
	})

	resp := broker.send(t, `{"command":"shutdown"}`)
	assert.Equal(t, "success", resp.Status)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestStopUnsubscribesOnce(t *testing.T) {
	broker := newFakeBroker()
	h := NewHandler(mqttConfig(), broker, Callbacks{})
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.True(t, broker.unsubbed)
}

// TestMessagesAfterStopAreIgnored covers deliveries paho makes after Stop:
// one already routed when Unsubscribe returns, or a redelivery after an
// auto-reconnect when Stop ran while offline.
func TestMessagesAfterStopAreIgnored(t *testing.T) {
	for _, offline := range []bool{false, true} {
		var statusCalls int
		broker := newFakeBroker()
		broker.offline = offline
		h := NewHandler(mqttConfig(), broker, Callbacks{
			OnGetStatus: func() map[string]interface{} { statusCalls++; return nil },
		})
		require.NoError(t, h.Start(context.Background()))
		require.NoError(t, h.Stop())
		assert.Equal(t, !offline, broker.unsubbed)

		assert.NotPanics(t, func() {
			for i := 0; i < 20; i++ {
				h.messageHandler(broker, fakeMessage{payload: []byte(`{"command":"get_status"}`)})
			}
		})
		assert.Zero(t, statusCalls)
		assert.Empty(t, broker.responses)

		assert.NoError(t, h.Stop())
	}
}
