package notify

import (
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
)

// ChangeRecord is a state snapshot of a call after an event was applied.
// Subscribers must treat it as a snapshot, not a diff: delivery order is not guaranteed.
type ChangeRecord struct {
	CallID        string      `json:"call_id"`
	OwnerID       string      `json:"owner_id,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	CallControlID string      `json:"call_control_id,omitempty"`
	PreviousState calls.State `json:"previous_state,omitempty"`
	NewState      calls.State `json:"new_state"`
	EventType     events.Type `json:"event_type"`
	EventID       string      `json:"event_id"`

	OccurredAt      *time.Time `json:"occurred_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`

	FromNumber string `json:"from_number,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`
}

// RecordFor builds the change record for call c after ev moved it from prev.
func RecordFor(c calls.Call, prev calls.State, ev events.Event) ChangeRecord {
	rec := ChangeRecord{
		CallID:        c.ID,
		OwnerID:       c.OwnerID,
		SessionID:     c.SessionID,
		CallControlID: firstNonEmpty(ev.Correlation.CallControlID, c.CallControlID),
		PreviousState: prev,
		NewState:      c.Status,
		EventType:     ev.Type,
		EventID:       ev.ID,
		StartedAt:     c.StartedAt,
		AnsweredAt:    c.AnsweredAt,
		EndedAt:       c.EndedAt,
		FromNumber:    c.From,
		ToNumber:      c.To,
	}
	if !ev.OccurredAt.IsZero() {
		t := ev.OccurredAt
		rec.OccurredAt = &t
	}
	if d, ok := c.Duration(); ok {
		rec.DurationSeconds = &d
	}
	return rec
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
