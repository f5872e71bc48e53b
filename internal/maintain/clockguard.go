package maintain

import (
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 60 * time.Second
	defaultNTPThreshold = 500 * time.Millisecond
)

// ClockGuard gates age-based pruning on wall-clock health. Watermarks derived
// from timestamps are unsafe when the local clock is skewed; a guard that
// cannot confirm a healthy clock makes prune and compact skip their age-based
// inputs for that run. Query results are cached for the check interval.
type ClockGuard struct {
	pool      string
	interval  time.Duration
	threshold time.Duration

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool

	// CheckFunc overrides the NTP query in tests. It returns the measured
	// clock offset.
	CheckFunc func() (time.Duration, error)
}

// ClockGuardOption configures a ClockGuard.
type ClockGuardOption func(*ClockGuard)

func WithNTPPool(pool string) ClockGuardOption {
	return func(g *ClockGuard) { g.pool = pool }
}

func WithOffsetThreshold(threshold time.Duration) ClockGuardOption {
	return func(g *ClockGuard) { g.threshold = threshold }
}

func NewClockGuard(opts ...ClockGuardOption) *ClockGuard {
	g := &ClockGuard{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Healthy reports whether the local clock is trustworthy. An unreachable NTP
// server counts as unhealthy: no confirmation, no age-based pruning.
func (g *ClockGuard) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.checkedAt.IsZero() && time.Since(g.checkedAt) < g.interval {
		return g.healthy
	}

	offset, err := g.queryOffset()
	g.checkedAt = time.Now()
	g.healthy = err == nil && offset.Abs() < g.threshold
	return g.healthy
}

func (g *ClockGuard) queryOffset() (time.Duration, error) {
	if g.CheckFunc != nil {
		return g.CheckFunc()
	}
	resp, err := ntp.Query(g.pool)
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
