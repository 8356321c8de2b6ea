package cascade

import "github.com/atmx/risk-engine/internal/model"

// Window is a rolling record of per-cycle liquidation counts.
type Window struct {
	counts  []int
	next    int
	filled  int
	tracked int
}

// NewWindow keeps the last cycles entries. cycles < 1 is treated as 1.
func NewWindow(cycles int) *Window {
	if cycles < 1 {
		cycles = 1
	}
	return &Window{counts: make([]int, cycles)}
}

// Record appends one cycle's liquidation count and the tracked population.
func (w *Window) Record(liquidated, tracked int) {
	w.counts[w.next] = liquidated
	w.next = (w.next + 1) % len(w.counts)
	if w.filled < len(w.counts) {
		w.filled++
	}
	w.tracked = tracked
}

// Total is the liquidation count across the window.
func (w *Window) Total() int {
	total := 0
	for i := 0; i < w.filled; i++ {
		total += w.counts[i]
	}
	return total
}

// RateBps is Total × 10000 / the latest tracked population.
func (w *Window) RateBps() int64 {
	if w.tracked <= 0 {
		return 0
	}
	return int64(w.Total()) * model.BpsScale / int64(w.tracked)
}

// RateWithBps is the rate the window would report after Record(liquidated, tracked).
func (w *Window) RateWithBps(liquidated, tracked int) int64 {
	if tracked <= 0 {
		return 0
	}
	total := w.Total() + liquidated
	if w.filled == len(w.counts) {
		total -= w.counts[w.next]
	}
	return int64(total) * model.BpsScale / int64(tracked)
}

// Len is the window length in cycles.
func (w *Window) Len() int { return len(w.counts) }

// Exceeds reports whether the rate is over thresholdBps.
func (w *Window) Exceeds(thresholdBps int64) bool {
	return w.RateBps() > thresholdBps
}

// Reset clears the window, e.g. after a breaker resolves.
func (w *Window) Reset() {
	for i := range w.counts {
		w.counts[i] = 0
	}
	w.next, w.filled, w.tracked = 0, 0, 0
}
