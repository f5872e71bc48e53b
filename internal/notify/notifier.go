package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"rowsync/internal/check"
)

// Notifier fans commit notices out to local connections and republishes them
// through the broadcaster so sibling instances can do the same. Remote
// envelopes carrying our own instance id are dropped.
type Notifier struct {
	registry   *Registry
	bus        Broadcaster
	instanceID string
}

func NewNotifier(registry *Registry, bus Broadcaster) *Notifier {
	check.Assert(registry != nil, "notify.NewNotifier: registry must not be nil")
	check.Assert(bus != nil, "notify.NewNotifier: bus must not be nil")

	n := &Notifier{
		registry:   registry,
		bus:        bus,
		instanceID: newInstanceID(),
	}
	bus.Subscribe(n.onEnvelope)
	return n
}

// UpdateClientScopeKeys refreshes the scope keys a client's connections are
// woken under. The pull pipeline calls this after resolving subscriptions.
func (n *Notifier) UpdateClientScopeKeys(clientID string, scopeKeys []string) {
	n.registry.UpdateClientScopeKeys(clientID, scopeKeys)
}

// NotifyCommit wakes local connections in the notice's scope keys and
// publishes the notice for other instances. The committing client's own
// connections are excluded.
func (n *Notifier) NotifyCommit(ctx context.Context, notice CommitNotice) {
	n.fanOut(notice)

	if err := n.bus.Publish(ctx, Envelope{SourceInstanceID: n.instanceID, Notice: notice}); err != nil {
		// Local clients were already woken; siblings catch up on their
		// next pull.
		slog.Warn("commit notice broadcast failed", "commit_seq", notice.CommitSeq, "error", err)
	}
}

func (n *Notifier) onEnvelope(env Envelope) {
	if env.SourceInstanceID == n.instanceID {
		return
	}
	n.fanOut(env.Notice)
}

func (n *Notifier) fanOut(notice CommitNotice) {
	var exclude []string
	if notice.ClientID != "" {
		exclude = []string{notice.ClientID}
	}
	n.registry.ForEachConnectionInScopeKeys(notice.ScopeKeys, exclude, func(clientID string, conn Connection) {
		if err := conn.Send(SyncEvent(notice.CommitSeq)); err != nil {
			slog.Debug("sync event send failed", "client_id", clientID, "error", err)
		}
	})
}

func newInstanceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read does not fail on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
