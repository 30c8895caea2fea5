package source

import "github.com/e7canasta/orion-pose/internal/types"

// sendLatest puts f on a one-slot channel, evicting the frame still waiting
// there. It reports whether a frame was evicted. ch must have one sender.
func sendLatest(ch chan types.Frame, f types.Frame) (replaced bool) {
	select {
	case ch <- f:
		return false
	default:
	}

	select {
	case <-ch:
		replaced = true
	default:
	}
	select {
	case ch <- f:
	default:
	}
	return replaced
}
