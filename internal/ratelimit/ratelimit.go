package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pool names a shared capacity bucket. All calls tagged with the same pool
// draw from the same quota.
type Pool string

const (
	// PoolPublic covers unauthenticated endpoints.
	PoolPublic Pool = "public"
	// PoolUser covers authenticated endpoints.
	PoolUser Pool = "user"
)

// Limit is the venue-imposed quota for one pool: at most Requests calls in
// any Interval-long window.
type Limit struct {
	Requests int
	Interval time.Duration
}

// Gate serializes outbound calls through named capacity pools. Acquire blocks
// until capacity is available; callers queue, they are never rejected. Safe
// for concurrent use from any number of goroutines.
type Gate struct {
	limiters map[Pool]*rate.Limiter
}

func NewGate(limits map[Pool]Limit) (*Gate, error) {
	if len(limits) == 0 {
		return nil, fmt.Errorf("at least one pool required")
	}
	limiters := make(map[Pool]*rate.Limiter, len(limits))
	for pool, limit := range limits {
		if limit.Requests < 1 {
			return nil, fmt.Errorf("pool %q: requests must be >= 1", pool)
		}
		if limit.Interval <= 0 {
			return nil, fmt.Errorf("pool %q: interval must be > 0", pool)
		}
		// Burst of one spaces calls evenly, so the per-interval bound holds
		// in every sliding window, not just aligned ones.
		limiters[pool] = rate.NewLimiter(rate.Every(limit.Interval/time.Duration(limit.Requests)), 1)
	}
	return &Gate{limiters: limiters}, nil
}

// Acquire blocks until one capacity unit of the pool is available or the
// context is done. Waiting is not an error condition; it is never surfaced to
// callers beyond the latency itself.
func (g *Gate) Acquire(ctx context.Context, pool Pool) error {
	limiter, ok := g.limiters[pool]
	if !ok {
		return fmt.Errorf("unknown rate limit pool %q", pool)
	}
	return limiter.Wait(ctx)
}
