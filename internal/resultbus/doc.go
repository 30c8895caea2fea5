// Package resultbus distributes joint updates to the emitter sinks without
// blocking the inference worker.
//
// Each sink gets a latest-update holder and its own drain goroutine:
//
//	"Drop updates, never queue. Latency > Completeness."
//
// Publish only swaps the holder's slot. When a sink is still busy with the
// previous update, the one waiting in its slot is replaced and counted as
// dropped for that sink. A slow broker therefore costs that sink updates, not
// the inference pipeline time.
//
// # Stats
//
// Per sink, at any moment:
//
//	published = sent + failed + dropped + pending (0 or 1)
//
// where sent counts successful Sink.Publish calls and failed the ones that
// returned an error.
package resultbus
