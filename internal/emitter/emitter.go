package emitter

// Sink is a destination for joint updates.
type Sink interface {
	Name() string
	// Publish sends one update. It runs on the scheduler worker, so it must
	// not block for long.
	Publish(u Update) error
	Stats() Stats
	Close() error
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	// Acked counts broker delivery confirmations, where the sink has them.
	Acked  uint64 `json:"acked"`
	Errors uint64 `json:"errors"`
}
