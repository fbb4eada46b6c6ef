// Package eventbus provides cross-process fan-out of session lifecycle
// records (spec §9 DOMAIN STACK: a second supervisor process, or a
// dashboard in a different process than the one that owns the stream
// files on disk, needs a way to hear about updates without tailing
// files itself). The append-only stream log in internal/stream remains
// the durable source of truth; EventBus only carries a live notification
// that something changed, the same way a cache invalidation signal
// trails its source of truth rather than replacing it.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Subject identifies the topic
// (SessionSubject(id), "agentz.session.<id>", or RegistrySubject,
// "agentz.registry"). The supervisor publishes "status_change" events
// whose Data holds the session id and new status, enough context for a
// subscriber to decide whether to re-fetch.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus fans out Events to subscribers by subject. Subjects follow
// NATS-style wildcard conventions (* for one token, > for the remainder)
// so both the in-memory and NATS implementations match the same
// subscription semantics.
type EventBus interface {
	// Publish sends an event on subject to every matching subscriber.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every matching event to handler until the
	// returned Subscription is unsubscribed.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe load-balances delivery across every subscriber
	// sharing queue, so a fleet of supervisor replicas can split work
	// for a subject instead of each processing every event.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close releases the bus's resources. Safe to call once.
	Close()

	// IsConnected reports whether the bus can currently deliver events.
	IsConnected() bool
}

// RegistrySubject is the subject every registry-level lifecycle record
// is published on; session-level records use SessionSubject.
const RegistrySubject = "agentz.registry"

// SessionSubject returns the subject a given session's stream records
// are published on.
func SessionSubject(sessionID string) string {
	return "agentz.session." + sessionID
}
