package resultbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/e7canasta/orion-pose/internal/emitter"
)

var (
	ErrBusClosed  = errors.New("resultbus: bus is closed")
	ErrSinkExists = errors.New("resultbus: sink already attached")
)

// SinkStats tracks the distribution to one sink.
type SinkStats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Stats is a snapshot of the bus.
type Stats struct {
	Published uint64               `json:"published"`
	Sinks     map[string]SinkStats `json:"sinks"`
}

type subscriber struct {
	sink   emitter.Sink
	holder *latestHolder

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Bus fans joint updates out to sinks, one drain goroutine per sink.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		logger:      log.With().Str("component", "resultbus").Logger(),
	}
}

// Attach starts draining updates into s. Sinks are keyed by Name.
func (b *Bus) Attach(s emitter.Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[s.Name()]; exists {
		return ErrSinkExists
	}

	sub := &subscriber{sink: s, holder: newLatestHolder()}
	b.subscribers[s.Name()] = sub

	b.wg.Add(1)
	go b.drain(sub)
	return nil
}

// Publish hands u to every sink and returns immediately.
func (b *Bus) Publish(u emitter.Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		if sub.holder.Set(u) {
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	name := sub.sink.Name()

	for {
		u, ok := sub.holder.Take()
		if !ok {
			return
		}
		if err := sub.sink.Publish(u); err != nil {
			sub.failed.Add(1)
			b.logger.Warn().Err(err).Str("sink", name).Uint64("seq", u.Seq).Msg("failed to publish joints")
			continue
		}
		sub.sent.Add(1)
	}
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published: b.published.Load(),
		Sinks:     make(map[string]SinkStats, len(b.subscribers)),
	}
	for name, sub := range b.subscribers {
		st.Sinks[name] = SinkStats{
			Sent:    sub.sent.Load(),
			Failed:  sub.failed.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return st
}

// Close stops accepting updates, lets every sink publish the update still in
// its slot, and waits for the drain goroutines. It does not close the sinks.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.holder.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// latestHolder is a one-slot mailbox: Set overwrites, Take empties.
type latestHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	update *emitter.Update
	closed bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Set stores u and reports whether it replaced an update nobody took.
func (h *latestHolder) Set(u emitter.Update) (replaced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	replaced = h.update != nil
	h.update = &u
	h.cond.Signal()
	return replaced
}

// Take blocks until an update is stored or the holder is closed. A pending
// update is still returned after Close; ok is false once it is empty and closed.
func (h *latestHolder) Take() (emitter.Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.update == nil && !h.closed {
		h.cond.Wait()
	}
	if h.update == nil {
		return emitter.Update{}, false
	}
	u := *h.update
	h.update = nil
	return u, true
}

func (h *latestHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
