// Package maintain runs the background upkeep of the sync log: pruning old
// commits, compacting change history, expiring snapshot chunks, and bounding
// audit tables. Loops are debounced, single-flight per kind, and never block
// the request path.
package maintain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rowsync/internal/check"
	"rowsync/internal/commitlog"
	"rowsync/internal/snapshot"
)

// Loop kinds.
const (
	KindPrune      = "prune"
	KindCompact    = "compact"
	KindSnapshotGC = "snapshot_gc"
	KindAuditPrune = "audit_prune"
)

var allKinds = []string{KindPrune, KindCompact, KindSnapshotGC, KindAuditPrune}

// Config bounds the maintenance loops. Zero values fall back to defaults.
type Config struct {
	// MinInterval debounces kicks: each kind runs at most once per interval.
	MinInterval time.Duration

	// ActiveWindow is how recently a client cursor must have been updated to
	// hold back the prune watermark.
	ActiveWindow time.Duration

	// KeepNewestCommits is the safety floor: the newest N commits survive
	// every prune.
	KeepNewestCommits int

	// FallbackMaxAge prunes by age alone when a partition has no active
	// cursors.
	FallbackMaxAge time.Duration

	// CompactHorizon is how old a commit must be before its superseded
	// change history is collapsed.
	CompactHorizon time.Duration

	AuditMaxAge  time.Duration
	AuditMaxRows int64
}

func (c *Config) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Minute
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 24 * time.Hour
	}
	if c.KeepNewestCommits <= 0 {
		c.KeepNewestCommits = 100
	}
	if c.FallbackMaxAge <= 0 {
		c.FallbackMaxAge = 7 * 24 * time.Hour
	}
	if c.CompactHorizon <= 0 {
		c.CompactHorizon = 72 * time.Hour
	}
	if c.AuditMaxAge <= 0 {
		c.AuditMaxAge = 30 * 24 * time.Hour
	}
	if c.AuditMaxRows <= 0 {
		c.AuditMaxRows = 100_000
	}
}

// Runner owns the four loops. Kick marks a kind runnable; the actual work
// happens on its own goroutine so callers never wait.
type Runner struct {
	store  *commitlog.Store
	chunks *snapshot.Store
	cfg    Config
	guard  *ClockGuard
	now    func() time.Time

	mu       sync.Mutex
	lastRun  map[string]time.Time
	inFlight map[string]bool
	closed   bool

	wg sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClockGuard gates age-based watermarks on clock health.
func WithClockGuard(g *ClockGuard) RunnerOption {
	return func(r *Runner) { r.guard = g }
}

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(store *commitlog.Store, chunks *snapshot.Store, cfg Config, opts ...RunnerOption) *Runner {
	check.Assert(store != nil, "maintain.NewRunner: store must not be nil")
	cfg.applyDefaults()

	r := &Runner{
		store:    store,
		chunks:   chunks,
		cfg:      cfg,
		now:      time.Now,
		lastRun:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// KickAll nudges every loop. The pull pipeline calls this on each request.
func (r *Runner) KickAll() {
	for _, kind := range allKinds {
		r.Kick(kind)
	}
}

// Kick schedules one loop kind if it is not already running and its debounce
// interval has elapsed. Returns whether a run was started.
func (r *Runner) Kick(kind string) bool {
	r.mu.Lock()
	if r.closed || r.inFlight[kind] {
		r.mu.Unlock()
		return false
	}
	if last, ok := r.lastRun[kind]; ok && r.now().Sub(last) < r.cfg.MinInterval {
		r.mu.Unlock()
		return false
	}
	// The debounce timestamp updates at loop start so a long run does not
	// extend its own quiet period.
	r.lastRun[kind] = r.now()
	r.inFlight[kind] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.inFlight[kind] = false
			r.mu.Unlock()
		}()
		r.runKind(context.Background(), kind)
	}()
	return true
}

// RunOnce executes one loop kind synchronously, bypassing debounce. Used by
// the daemon's one-shot maintain command and by tests.
func (r *Runner) RunOnce(ctx context.Context, kind string) error {
	return r.run(ctx, kind)
}

// Close waits for in-flight runs and refuses new kicks.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) runKind(ctx context.Context, kind string) {
	if err := r.run(ctx, kind); err != nil {
		slog.Warn("maintenance run failed", "kind", kind, "error", err)
	}
}

func (r *Runner) run(ctx context.Context, kind string) error {
	switch kind {
	case KindPrune:
		return r.runPrune(ctx)
	case KindCompact:
		return r.runCompact(ctx)
	case KindSnapshotGC:
		return r.runSnapshotGC(ctx)
	case KindAuditPrune:
		return r.runAuditPrune(ctx)
	default:
		check.Assertf(false, "maintain: unknown loop kind %q", kind)
		return nil
	}
}

// clockHealthy reports whether age-based watermarks may be used this run.
func (r *Runner) clockHealthy() bool {
	if r.guard == nil {
		return true
	}
	return r.guard.Healthy()
}
