package notify

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// defaultHeartbeatInterval keeps intermediaries from closing idle realtime
// connections.
const defaultHeartbeatInterval = 30 * time.Second

type connEntry struct {
	id       uint64
	clientID string
	conn     Connection
}

// Registry indexes live connections three ways: by client, by scope key, and
// flat by connection id. All three indexes share one mutex; fan-out snapshots
// targets under the lock and delivers outside it.
type Registry struct {
	heartbeatInterval time.Duration

	mu                sync.Mutex
	nextID            uint64
	conns             map[uint64]*connEntry
	connsByClient     map[string]map[uint64]*connEntry
	scopeKeysByClient map[string][]string
	connsByScopeKey   map[string]map[uint64]*connEntry

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithHeartbeatInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.heartbeatInterval = d }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		heartbeatInterval: defaultHeartbeatInterval,
		conns:             make(map[uint64]*connEntry),
		connsByClient:     make(map[string]map[uint64]*connEntry),
		scopeKeysByClient: make(map[string][]string),
		connsByScopeKey:   make(map[string]map[uint64]*connEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a connection for a client and returns its id. The heartbeat
// loop starts with the first registered connection.
func (r *Registry) Register(clientID string, conn Connection) uint64 {
	r.mu.Lock()
	r.nextID++
	entry := &connEntry{id: r.nextID, clientID: clientID, conn: conn}
	r.conns[entry.id] = entry

	byClient := r.connsByClient[clientID]
	if byClient == nil {
		byClient = make(map[uint64]*connEntry)
		r.connsByClient[clientID] = byClient
	}
	byClient[entry.id] = entry

	for _, key := range r.scopeKeysByClient[clientID] {
		r.indexScopeKeyLocked(key, entry)
	}

	needStart := r.heartbeatCancel == nil
	if needStart {
		ctx, cancel := context.WithCancel(context.Background())
		r.heartbeatCancel = cancel
		r.heartbeatDone = make(chan struct{})
		go r.heartbeatLoop(ctx, r.heartbeatDone)
	}
	r.mu.Unlock()

	slog.Debug("realtime connection registered", "client_id", clientID, "conn_id", entry.id)
	return entry.id
}

// Unregister removes a connection without closing it.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	r.removeLocked(id)
	stop := r.stopHeartbeatIfIdleLocked()
	r.mu.Unlock()
	waitStop(stop)
}

// UpdateClientScopeKeys replaces the scope keys a client's connections are
// reachable under. Called after every pull that resolves subscriptions.
func (r *Registry) UpdateClientScopeKeys(clientID string, scopeKeys []string) {
	keys := slices.Clone(scopeKeys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, old := range r.scopeKeysByClient[clientID] {
		for id := range r.connsByClient[clientID] {
			r.unindexScopeKeyLocked(old, id)
		}
	}
	if len(keys) == 0 {
		delete(r.scopeKeysByClient, clientID)
	} else {
		r.scopeKeysByClient[clientID] = keys
	}
	for _, key := range keys {
		for _, entry := range r.connsByClient[clientID] {
			r.indexScopeKeyLocked(key, entry)
		}
	}
}

// ForEachConnectionInScopeKeys visits every connection subscribed to at least
// one of the given scope keys, skipping excluded clients. Targets are
// snapshotted under the lock and visited outside it; a connection reachable
// through several keys is visited once.
func (r *Registry) ForEachConnectionInScopeKeys(scopeKeys []string, excludeClientIDs []string, visit func(clientID string, conn Connection)) {
	excluded := make(map[string]struct{}, len(excludeClientIDs))
	for _, id := range excludeClientIDs {
		excluded[id] = struct{}{}
	}

	r.mu.Lock()
	seen := make(map[uint64]struct{})
	var targets []*connEntry
	for _, key := range scopeKeys {
		for id, entry := range r.connsByScopeKey[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			if _, skip := excluded[entry.clientID]; skip {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range targets {
		visit(entry.clientID, entry.conn)
	}
}

// Drop removes a connection and closes it. Used when a Send fails.
func (r *Registry) Drop(id uint64) {
	r.mu.Lock()
	entry := r.conns[id]
	r.removeLocked(id)
	stop := r.stopHeartbeatIfIdleLocked()
	r.mu.Unlock()

	if entry != nil {
		entry.conn.Close()
		slog.Debug("realtime connection dropped", "client_id", entry.clientID, "conn_id", id)
	}
	waitStop(stop)
}

// CloseClientConnections closes and removes every connection of one client.
func (r *Registry) CloseClientConnections(clientID string) int {
	r.mu.Lock()
	var targets []*connEntry
	for _, entry := range r.connsByClient[clientID] {
		targets = append(targets, entry)
	}
	for _, entry := range targets {
		r.removeLocked(entry.id)
	}
	stop := r.stopHeartbeatIfIdleLocked()
	r.mu.Unlock()

	for _, entry := range targets {
		entry.conn.Close()
	}
	waitStop(stop)
	return len(targets)
}

// CloseAll closes everything. Called on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var targets []*connEntry
	for _, entry := range r.conns {
		targets = append(targets, entry)
	}
	for _, entry := range targets {
		r.removeLocked(entry.id)
	}
	stop := r.stopHeartbeatIfIdleLocked()
	r.mu.Unlock()

	for _, entry := range targets {
		entry.conn.Close()
	}
	waitStop(stop)
}

// ConnectionCount reports live connections, for status output and tests.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) indexScopeKeyLocked(key string, entry *connEntry) {
	byKey := r.connsByScopeKey[key]
	if byKey == nil {
		byKey = make(map[uint64]*connEntry)
		r.connsByScopeKey[key] = byKey
	}
	byKey[entry.id] = entry
}

func (r *Registry) unindexScopeKeyLocked(key string, id uint64) {
	byKey := r.connsByScopeKey[key]
	if byKey == nil {
		return
	}
	delete(byKey, id)
	if len(byKey) == 0 {
		delete(r.connsByScopeKey, key)
	}
}

func (r *Registry) removeLocked(id uint64) {
	entry, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)

	byClient := r.connsByClient[entry.clientID]
	delete(byClient, id)
	if len(byClient) == 0 {
		delete(r.connsByClient, entry.clientID)
	}

	for _, key := range r.scopeKeysByClient[entry.clientID] {
		r.unindexScopeKeyLocked(key, id)
	}
}

func (r *Registry) stopHeartbeatIfIdleLocked() chan struct{} {
	if len(r.conns) != 0 || r.heartbeatCancel == nil {
		return nil
	}
	cancel := r.heartbeatCancel
	done := r.heartbeatDone
	r.heartbeatCancel = nil
	r.heartbeatDone = nil
	cancel()
	return done
}

func waitStop(done chan struct{}) {
	if done != nil {
		<-done
	}
}

func (r *Registry) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			targets := make([]*connEntry, 0, len(r.conns))
			for _, entry := range r.conns {
				targets = append(targets, entry)
			}
			r.mu.Unlock()

			for _, entry := range targets {
				if err := entry.conn.Send(HeartbeatEvent()); err != nil {
					// Cannot wait for our own loop to stop; cancellation via
					// stopHeartbeatIfIdleLocked ends this loop on its own.
					r.mu.Lock()
					r.removeLocked(entry.id)
					r.stopHeartbeatIfIdleLocked()
					r.mu.Unlock()
					entry.conn.Close()
				}
			}
		}
	}
}
