package driftsync

import "sync"

// Event names emitted by the sync subsystem.
const (
	EventSyncStarted      = "sync.started"
	EventSyncCompleted    = "sync.completed"
	EventSyncFailed       = "sync.failed"
	EventConflictDetected = "conflict.detected"
	EventConflictCritical = "conflict.critical"
	EventConflictResolved = "conflict.resolved"
)

// Event is one notification delivered to subscribers. Conflict events carry
// the resolution outcome, the field names involved, and, once resolved, the
// reviewer's choice. Sync lifecycle events with an EntityType scope a single
// entity pull; those without cover the whole run.
type Event struct {
	Name       string
	EntityType EntityType
	EntityID   int64
	ConflictID string
	Resolution Resolution
	Fields     []string
	Choice     Choice
	Report     *SyncReport
	Err        error
}

// EventHandler receives events. Handlers run synchronously on the emitting
// goroutine and must not call back into the client.
type EventHandler func(Event)

// Bus is a minimal synchronous fan-out for sync lifecycle notifications.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	all      []EventHandler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for one event name. An empty name
// subscribes to everything.
func (b *Bus) Subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.all = append(b.all, h)
		return
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit delivers an event to matching subscribers in registration order.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	named := b.handlers[ev.Name]
	all := b.all
	b.mu.RUnlock()

	for _, h := range named {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
