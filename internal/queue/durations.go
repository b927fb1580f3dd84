package queue

import (
	"sync"
	"time"
)

// durationWindow keeps a rolling window of recent job durations and serves
// the average used for wait estimates. Before any job completes it answers
// with a static default.
type durationWindow struct {
	mutex    sync.Mutex
	samples  []time.Duration
	capacity int
	next     int
	filled   int
	fallback time.Duration
}

func newDurationWindow(capacity int, fallback time.Duration) *durationWindow {
	return &durationWindow{
		samples:  make([]time.Duration, capacity),
		capacity: capacity,
		fallback: fallback,
	}
}

func (window *durationWindow) Record(sample time.Duration) {
	if sample <= 0 {
		return
	}
	window.mutex.Lock()
	defer window.mutex.Unlock()
	window.samples[window.next] = sample
	window.next = (window.next + 1) % window.capacity
	if window.filled < window.capacity {
		window.filled++
	}
}

func (window *durationWindow) Average() time.Duration {
	window.mutex.Lock()
	defer window.mutex.Unlock()
	if window.filled == 0 {
		return window.fallback
	}
	var total time.Duration
	for sampleIndex := 0; sampleIndex < window.filled; sampleIndex++ {
		total += window.samples[sampleIndex]
	}
	return total / time.Duration(window.filled)
}
