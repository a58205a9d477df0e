package events

import (
	"time"
)

// EventType identifies the kind of event flowing through a broker.
type EventType string

// Cache lifecycle events published by the storage layer.
const (
	CacheReady      EventType = "cache.ready"      // local snapshot loaded
	CacheReconciled EventType = "cache.reconciled" // remote snapshot merged
	ChatSaved       EventType = "chat.saved"
	ChatDeleted     EventType = "chat.deleted"
	SettingsUpdated EventType = "settings.updated"
	UserChanged     EventType = "user.changed"
)

// Event is a broker message with a typed payload.
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter decides whether a subscriber receives an event.
type Filter func(eventType EventType) bool

// TypeFilter accepts only the given event types.
func TypeFilter(types ...EventType) Filter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(eventType EventType) bool {
		_, ok := set[eventType]
		return ok
	}
}
