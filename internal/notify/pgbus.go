package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	pgBusChannel = "rowsync_commits"

	pgBusMinReconnect = 10 * time.Second
	pgBusMaxReconnect = time.Minute
	pgBusPingInterval = 90 * time.Second
)

// PGBus broadcasts commit notices across instances over PostgreSQL
// LISTEN/NOTIFY. All instances share the sync database, so no extra broker
// is needed. pq.Listener reconnects on its own; notices missed during an
// outage are recovered by the next pull, so delivery here is best effort.
type PGBus struct {
	db       *sql.DB
	listener *pq.Listener

	mu   sync.Mutex
	subs []func(Envelope)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPGBus(db *sql.DB, dsn string) (*PGBus, error) {
	listener := pq.NewListener(dsn, pgBusMinReconnect, pgBusMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("pg bus listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(pgBusChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", pgBusChannel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &PGBus{
		db:       db,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run(ctx)
	return b, nil
}

func (b *PGBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notice envelope: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", pgBusChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (b *PGBus) Subscribe(fn func(Envelope)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

func (b *PGBus) Close() error {
	b.cancel()
	<-b.done
	return b.listener.Close()
}

func (b *PGBus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return

		case notification := <-b.listener.Notify:
			if notification == nil {
				// Connection lost; the listener reconnects itself.
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(notification.Extra), &env); err != nil {
				slog.Warn("pg bus received malformed envelope", "error", err)
				continue
			}
			b.mu.Lock()
			subs := make([]func(Envelope), len(b.subs))
			copy(subs, b.subs)
			b.mu.Unlock()
			for _, fn := range subs {
				fn(env)
			}

		case <-time.After(pgBusPingInterval):
			if err := b.listener.Ping(); err != nil {
				slog.Warn("pg bus ping failed", "error", err)
			}
		}
	}
}
