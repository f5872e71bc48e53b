// Package telemetry is the vendor-neutral instrumentation seam for the sync
// engine. Components report events, counters, distributions, and spans
// against a process-wide backend; the daemon decides whether that backend is
// the console, OpenTelemetry, or nothing at all.
package telemetry

import (
	"context"
	"sync"
)

// Span is one timed unit of work. End records the outcome; a non-nil err
// marks the span failed.
type Span interface {
	End(err error)
}

// Backend receives everything the engine reports. Implementations must be
// safe for concurrent use and must never block the caller on I/O.
type Backend interface {
	EventLog(ctx context.Context, event string, attrs map[string]any)
	Counter(name string, delta int64, attrs map[string]any)
	Distribution(name string, value float64, attrs map[string]any)
	CaptureException(ctx context.Context, err error, attrs map[string]any)
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Close() error
}

var (
	mu      sync.RWMutex
	backend Backend
)

// Configure installs the process-wide backend, closing any previous one.
func Configure(b Backend) {
	mu.Lock()
	prev := backend
	backend = b
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// Active returns the configured backend, or a no-op one when telemetry is
// off. Never nil.
func Active() Backend {
	mu.RLock()
	defer mu.RUnlock()
	if backend == nil {
		return noop{}
	}
	return backend
}

// Reset closes and removes the configured backend.
func Reset() {
	Configure(nil)
}

// EventLog reports a point-in-time event on the active backend.
func EventLog(ctx context.Context, event string, attrs map[string]any) {
	Active().EventLog(ctx, event, attrs)
}

// Counter adds delta to a named counter.
func Counter(name string, delta int64, attrs map[string]any) {
	Active().Counter(name, delta, attrs)
}

// Distribution records one sample of a named distribution.
func Distribution(name string, value float64, attrs map[string]any) {
	Active().Distribution(name, value, attrs)
}

// CaptureException reports an unexpected error.
func CaptureException(ctx context.Context, err error, attrs map[string]any) {
	if err == nil {
		return
	}
	Active().CaptureException(ctx, err, attrs)
}

// StartSpan opens a span on the active backend. The returned context carries
// the span for nested reporting.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return Active().StartSpan(ctx, name)
}

type noop struct{}

func (noop) EventLog(context.Context, string, map[string]any)        {}
func (noop) Counter(string, int64, map[string]any)                   {}
func (noop) Distribution(string, float64, map[string]any)            {}
func (noop) CaptureException(context.Context, error, map[string]any) {}
func (noop) Close() error                                            { return nil }
func (noop) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
