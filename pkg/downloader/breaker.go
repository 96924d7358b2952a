package downloader

import (
	"context"
	"sync"
)

// throttleBreaker counts consecutive rate-limit responses across all workers
// and cancels the run once the tolerance is reached. Any non-429 response
// resets the streak. Increment and threshold check happen under one lock so
// the run aborts after exactly the configured number of signals regardless
// of which workers observe them.
type throttleBreaker struct {
	mu          sync.Mutex
	tolerance   int
	consecutive int
	tripped     bool
	cancel      context.CancelFunc
}

func newThrottleBreaker(tolerance int, cancel context.CancelFunc) *throttleBreaker {
	return &throttleBreaker{tolerance: tolerance, cancel: cancel}
}

// record registers one 429 response and reports whether the breaker is now
// tripped. Tripping cancels the run context: workers stop issuing new
// requests and in-flight ones are abandoned, with any partial download
// removed by the task that owned it.
func (b *throttleBreaker) record() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return true
	}

	b.consecutive++
	if b.consecutive >= b.tolerance {
		b.tripped = true
		b.cancel()
	}
	return b.tripped
}

// reset clears the streak after any non-429 response.
func (b *throttleBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		b.consecutive = 0
	}
}

func (b *throttleBreaker) isTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}
