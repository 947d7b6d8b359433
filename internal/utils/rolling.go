package utils

import (
	"sort"
	"sync"
	"time"
)

// RollingWindow stores the most recent duration samples in a fixed-size ring
// and exposes aggregate views over them.
type RollingWindow struct {
	mu      sync.RWMutex
	samples []time.Duration
	next    int
	filled  bool
}

// NewRollingWindow creates a window keeping up to size samples.
func NewRollingWindow(size int) *RollingWindow {
	if size <= 0 {
		size = 100
	}
	return &RollingWindow{samples: make([]time.Duration, size)}
}

// Observe records a new duration, evicting the oldest sample once full.
func (w *RollingWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Count returns the number of samples currently held.
func (w *RollingWindow) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count()
}

// Average returns the mean of the held samples, zero when empty.
func (w *RollingWindow) Average() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.count()
	if n == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples[:n] {
		total += s
	}
	return total / time.Duration(n)
}

// Percentile returns the p-th percentile (0-100) of the held samples.
func (w *RollingWindow) Percentile(p float64) time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.count()
	if n == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), w.samples[:n]...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	index := int((p / 100.0) * float64(n-1))
	return sorted[index]
}

// count assumes the lock is held.
func (w *RollingWindow) count() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}
