// Package notify wakes connected clients when commits land in scopes they
// subscribe to. A Registry tracks live connections per client and per scope
// key; a Notifier fans commit notices out locally and across instances
// through a Broadcaster.
package notify

// Realtime event names on the wire.
const (
	EventSync      = "sync"
	EventHeartbeat = "heartbeat"
)

// Event is one realtime message pushed down a connection.
type Event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// SyncEvent tells a client that new commits exist at or below cursor.
func SyncEvent(cursor int64) Event {
	return Event{Event: EventSync, Data: map[string]any{"cursor": cursor}}
}

func HeartbeatEvent() Event {
	return Event{Event: EventHeartbeat}
}

// Connection is a live realtime channel to one client device. Send must be
// safe for concurrent use; a failed Send marks the connection dead and the
// registry drops it.
type Connection interface {
	Send(event Event) error
	Close() error
}

// CommitNotice describes a committed batch for fan-out. ClientID names the
// committing client so its own connections can be excluded.
type CommitNotice struct {
	CommitSeq      int64    `json:"commitSeq"`
	Partition      string   `json:"partition"`
	ActorID        string   `json:"actorId,omitempty"`
	ClientID       string   `json:"clientId,omitempty"`
	ScopeKeys      []string `json:"scopeKeys"`
	AffectedTables []string `json:"affectedTables"`
}
