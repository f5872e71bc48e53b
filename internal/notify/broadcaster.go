package notify

import (
	"context"
	"sync"
)

// Envelope wraps a commit notice for cross-instance transport. The source
// instance id lets receivers suppress their own publications.
type Envelope struct {
	SourceInstanceID string       `json:"sourceInstanceId"`
	Notice           CommitNotice `json:"notice"`
}

// Broadcaster carries commit notices between engine instances sharing one
// database. Handlers registered with Subscribe run for every received
// envelope, including ones this instance published.
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope))
	Close() error
}

// LocalBus is an in-process Broadcaster for single-node deployments and
// tests. Publish delivers synchronously.
type LocalBus struct {
	mu   sync.Mutex
	subs []func(Envelope)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	subs := make([]func(Envelope), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(fn func(Envelope)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	return nil
}
