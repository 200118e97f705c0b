// Package audit records what the platform did: server lifecycle changes,
// tool calls, document processing, and workflow runs. A CPA practice keeps
// this trail for engagement review, so entries are append-only.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the platform.
const (
	KindServerRegistered  = "server.registered"
	KindServerRemoved     = "server.removed"
	KindServerPurged      = "server.purged"
	KindHealthChanged     = "health.changed"
	KindToolCall          = "tool.call"
	KindDocumentProcessed = "document.processed"
	KindRunStarted        = "run.started"
	KindRunFinished       = "run.finished"
)

// Event is one audit trail entry. Seq is the store-assigned position in the
// trail; it is zero until the event has been appended and read back.
type Event struct {
	Seq     int64          `json:"seq,omitempty"`
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Subject string         `json:"subject,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Time    time.Time      `json:"time"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(kind, subject string, detail map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Subject: subject,
		Time:    time.Now().UTC(),
		Detail:  detail,
	}
}

// WithActor returns a copy of the event attributed to the named component.
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}

// Query filters audit trail reads. Zero values match everything.
type Query struct {
	Kind    string
	Subject string
	Since   time.Time
	Limit   int
}

// Store is an append-only audit trail.
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, query Query) ([]Event, error)
}

func matches(event Event, query Query) bool {
	if query.Kind != "" && event.Kind != query.Kind {
		return false
	}
	if query.Subject != "" && event.Subject != query.Subject {
		return false
	}
	if !query.Since.IsZero() && event.Time.Before(query.Since) {
		return false
	}
	return true
}
