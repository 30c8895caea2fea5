package scheduler

import "time"

// fpsWindow is the number of completions the FPS estimate is averaged over.
const fpsWindow = 10

// fpsMeter estimates the delivery rate from the last fpsWindow ticks.
// Not safe for concurrent use.
type fpsMeter struct {
	ticks [fpsWindow]time.Time
	next  int
	count int
}

func (m *fpsMeter) tick(t time.Time) {
	m.ticks[m.next] = t
	m.next = (m.next + 1) % fpsWindow
	if m.count < fpsWindow {
		m.count++
	}
}

// rate returns ticks per second over the retained ticks, 0 with fewer than two.
func (m *fpsMeter) rate() float64 {
	if m.count < 2 {
		return 0
	}
	newest := m.ticks[(m.next+fpsWindow-1)%fpsWindow]
	oldest := m.ticks[(m.next+fpsWindow-m.count)%fpsWindow]
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(m.count-1) / span
}

func (m *fpsMeter) reset() {
	*m = fpsMeter{}
}
