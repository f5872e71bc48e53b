package handler

import (
	"fmt"
	"sort"
	"sync"

	"rowsync/internal/syncerr"
)

// Registry maps table names to their handlers. One handler per table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TableHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TableHandler)}
}

// Register adds a handler. Registering a second handler for the same table
// is a programming error and fails.
func (r *Registry) Register(h TableHandler) error {
	table := h.Table()
	if table == "" {
		return fmt.Errorf("register handler: empty table name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[table]; exists {
		return fmt.Errorf("register handler: table %q already registered", table)
	}
	r.handlers[table] = h
	return nil
}

// Lookup returns the handler for table, or an UNKNOWN_TABLE error.
func (r *Registry) Lookup(table string) (TableHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[table]
	if !ok {
		return nil, syncerr.New(syncerr.CodeUnknownTable, "no handler registered for table %q", table)
	}
	return h, nil
}

// Tables returns the registered table names, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}
