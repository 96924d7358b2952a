// Package throttle paces outbound requests to stay under the API's
// per-minute courtesy limit.
package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute matches the limit documented by the ISMR API.
const DefaultRequestsPerMinute = 30

// Pacer enforces a minimum spacing between successive requests issued by a
// single caller. Each download worker owns its own Pacer, so the aggregate
// rate across workers can exceed the nominal per-minute figure under high
// worker counts. This mirrors a per-caller sleep throttle rather than a
// shared token bucket; callers wanting a strict global limit can share one
// Pacer between workers without changing the Wait contract.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a Pacer spacing requests 60/requestsPerMinute seconds apart.
// The first Wait returns immediately.
func New(requestsPerMinute int) (*Pacer, error) {
	if requestsPerMinute < 1 {
		return nil, fmt.Errorf("throttle: requests per minute must be >= 1, got %d", requestsPerMinute)
	}

	interval := time.Minute / time.Duration(requestsPerMinute)
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}, nil
}

// Interval returns the enforced spacing between requests.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the caller may issue its next request, or until ctx is
// cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
