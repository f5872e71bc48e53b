package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const consoleQueueDepth = 256

// Console is a line-oriented backend for development and the daemon's
// foreground mode. Lines are queued and written by a single background
// goroutine so reporting never blocks on terminal I/O; a full queue drops the
// line. Counters aggregate in memory and flush on Close.
type Console struct {
	w     io.Writer
	lines chan string
	done  chan struct{}

	mu       sync.Mutex
	counters map[string]int64
	closed   bool
}

// NewConsole writes to w, defaulting to stderr.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stderr
	}
	c := &Console{
		w:        w,
		lines:    make(chan string, consoleQueueDepth),
		done:     make(chan struct{}),
		counters: make(map[string]int64),
	}
	go c.drain()
	return c
}

func (c *Console) drain() {
	defer close(c.done)
	for line := range c.lines {
		fmt.Fprintln(c.w, line)
	}
}

func (c *Console) enqueue(line string) {
	// The lock spans the send so Close cannot close the channel between the
	// closed check and the send.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.lines <- line:
	default:
		// Telemetry must not apply backpressure to the request path.
	}
}

func (c *Console) EventLog(_ context.Context, event string, attrs map[string]any) {
	c.enqueue("[ev] " + event + formatAttrs(attrs))
}

func (c *Console) Counter(name string, delta int64, attrs map[string]any) {
	c.mu.Lock()
	c.counters[name+formatAttrs(attrs)] += delta
	c.mu.Unlock()
}

func (c *Console) Distribution(name string, value float64, attrs map[string]any) {
	c.enqueue(fmt.Sprintf("[dist] %s=%g%s", name, value, formatAttrs(attrs)))
}

func (c *Console) CaptureException(_ context.Context, err error, attrs map[string]any) {
	c.enqueue("[err] " + err.Error() + formatAttrs(attrs))
}

func (c *Console) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &consoleSpan{c: c, name: name, start: time.Now()}
}

// Close flushes aggregated counters and stops the writer goroutine.
func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	names := make([]string, 0, len(c.counters))
	for name := range c.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		select {
		case c.lines <- fmt.Sprintf("[count] %s=%d", name, c.counters[name]):
		default:
		}
	}
	close(c.lines)
	c.mu.Unlock()

	<-c.done
	return nil
}

type consoleSpan struct {
	c     *Console
	name  string
	start time.Time
}

func (s *consoleSpan) End(err error) {
	elapsed := time.Since(s.start).Round(time.Microsecond)
	if err != nil {
		s.c.enqueue(fmt.Sprintf("[span] %s failed in %s: %v", s.name, elapsed, err))
		return
	}
	s.c.enqueue(fmt.Sprintf("[span] %s done in %s", s.name, elapsed))
}

func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(" %s=%v", k, attrs[k]))
	}
	return b.String()
}
