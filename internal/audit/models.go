package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Every event names at least one target (workspace, call or ledger event).
// - Actor and IP capture are best-effort; do not block ingestion on audit failures.
//
// Storage: table audit_events (see internal/store/schema.sql), INSERT-only.
type Event struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id,omitempty" db:"workspace_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event; empty for the ingestion pipeline.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	CallID  string `json:"call_id,omitempty" db:"call_id"`
	EventID string `json:"event_id,omitempty" db:"event_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeCorrelationConflict: an event's identifiers pointed at two different calls.
	EventTypeCorrelationConflict EventType = "correlation_conflict"
	// EventTypeOrphanAssigned: an operator attached an orphaned ledger entry to a call.
	EventTypeOrphanAssigned EventType = "orphan_assigned"
	// EventTypeOrphansReconciled: a reconciliation sweep relinked orphaned entries.
	EventTypeOrphansReconciled EventType = "orphans_reconciled"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Type    EventType
	CallID  string
	EventID string
	Limit   int
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

func (f Filter) matches(e Event) bool {
	return (f.Type == "" || e.Type == f.Type) &&
		(f.CallID == "" || e.CallID == f.CallID) &&
		(f.EventID == "" || e.EventID == f.EventID)
}
