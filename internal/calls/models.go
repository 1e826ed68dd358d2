package calls

import (
	"encoding/json"
	"time"

	"telecom-callflow/internal/events"
)

// Call is the aggregate root for one logical telephone call.
//
// Identity: ID is internal. SessionID (provider call_session_id) is unique when set;
// CallControlID is the first call-control leg observed for the call.
//
// Calls are never deleted; they are retained as history.
type Call struct {
	ID            string `json:"id" db:"id"`
	OwnerID       string `json:"owner_id,omitempty" db:"owner_id"`
	SessionID     string `json:"session_id,omitempty" db:"session_id"`
	CallControlID string `json:"call_control_id,omitempty" db:"call_control_id"`
	ConnectionID  string `json:"connection_id,omitempty" db:"connection_id"`

	Direction Direction `json:"direction,omitempty" db:"direction"`
	Type      CallType  `json:"call_type" db:"call_type"`
	From      string    `json:"from,omitempty" db:"from_addr"`
	To        string    `json:"to,omitempty" db:"to_addr"`

	Status State `json:"status" db:"status"`

	// StartedAt stays nil when call.initiated was never applied; it is never guessed.
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// StateChangedAt is the occurred_at of the event that produced Status.
	StateChangedAt *time.Time `json:"state_changed_at,omitempty" db:"state_changed_at"`

	DurationSeconds *int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	HangupCause  string `json:"hangup_cause,omitempty" db:"hangup_cause"`
	HangupSource string `json:"hangup_source,omitempty" db:"hangup_source"`

	RecordingID  string `json:"recording_id,omitempty" db:"recording_id"`
	TranscriptID string `json:"transcript_id,omitempty" db:"transcript_id"`

	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Duration returns the stored duration, or derives it from answer/end times.
func (c Call) Duration() (int, bool) {
	if c.DurationSeconds != nil {
		return *c.DurationSeconds, true
	}
	if c.AnsweredAt != nil && c.EndedAt != nil && !c.EndedAt.Before(*c.AnsweredAt) {
		return int(c.EndedAt.Sub(*c.AnsweredAt).Round(time.Second) / time.Second), true
	}
	return 0, false
}

// Clone returns a copy that shares no maps with c.
func (c Call) Clone() Call {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection maps provider values ("incoming", "outgoing", ...) to a Direction.
func ParseDirection(s string) Direction {
	switch s {
	case "inbound", "incoming":
		return DirectionInbound
	case "outbound", "outgoing":
		return DirectionOutbound
	default:
		return ""
	}
}

type CallType string

const (
	CallTypeVoice      CallType = "voice"
	CallTypeVideo      CallType = "video"
	CallTypeConference CallType = "conference"
)

func ParseCallType(s string) CallType {
	switch s {
	case "video":
		return CallTypeVideo
	case "conference":
		return CallTypeConference
	default:
		return CallTypeVoice
	}
}

// Session is the session-scoped view of a Call. One Call has at most one Session.
type Session struct {
	SessionID       string     `json:"session_id" db:"session_id"`
	CallID          string     `json:"call_id" db:"call_id"`
	From            string     `json:"from,omitempty" db:"from_addr"`
	To              string     `json:"to,omitempty" db:"to_addr"`
	Status          State      `json:"status" db:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds *int       `json:"duration_seconds,omitempty" db:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Leg is one participant-facing side of a call.
//
// Created by the first event carrying its leg id (EventID records that event);
// later events look it up by LegID.
type Leg struct {
	LegID         string          `json:"leg_id" db:"leg_id"`
	CallID        string          `json:"call_id" db:"call_id"`
	SessionID     string          `json:"session_id,omitempty" db:"session_id"`
	CallControlID string          `json:"call_control_id,omitempty" db:"call_control_id"`
	EventType     events.Type     `json:"event_type" db:"event_type"`
	EventID       string          `json:"event_id" db:"event_id"`
	OccurredAt    *time.Time      `json:"occurred_at,omitempty" db:"occurred_at"`
	State         State           `json:"state" db:"state"`
	QualityStats  json.RawMessage `json:"quality_stats,omitempty" db:"quality_stats"`
	HangupCause   string          `json:"hangup_cause,omitempty" db:"hangup_cause"`
	HangupSource  string          `json:"hangup_source,omitempty" db:"hangup_source"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LogEntry is one immutable ledger record per admitted event.
// EventID is globally unique and is the idempotency key.
type LogEntry struct {
	ID       string `json:"id" db:"id"`
	Sequence int64  `json:"sequence" db:"sequence"`

	// CallID is empty while the entry sits in the orphan bucket.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	EventID     string             `json:"event_id" db:"event_id"`
	EventType   events.Type        `json:"event_type" db:"event_type"`
	OccurredAt  *time.Time         `json:"occurred_at,omitempty" db:"occurred_at"`
	Correlation events.Correlation `json:"correlation" db:"-"`
	Payload     json.RawMessage    `json:"payload,omitempty" db:"payload"`

	Outcome      Outcome `json:"outcome" db:"outcome"`
	OrphanReason string  `json:"orphan_reason,omitempty" db:"orphan_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Orphaned reports whether the entry is parked in the orphan bucket.
func (e LogEntry) Orphaned() bool { return e.CallID == "" }

// Outcome records what the pipeline did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeIllegal   Outcome = "illegal_transition"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomeConflict  Outcome = "correlation_conflict"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
)

// Orphan reasons.
const (
	OrphanUncorrelated = "uncorrelated"
	OrphanConflict     = "correlation_conflict"
)

// Recording is keyed by the provider recording id. CallID may be empty until it can be resolved.
type Recording struct {
	ID            string            `json:"id" db:"id"`
	CallID        string            `json:"call_id,omitempty" db:"call_id"`
	SessionID     string            `json:"session_id,omitempty" db:"session_id"`
	LegID         string            `json:"leg_id,omitempty" db:"leg_id"`
	CallControlID string            `json:"call_control_id,omitempty" db:"call_control_id"`
	URLs          map[string]string `json:"urls,omitempty" db:"urls"`
	Channels      string            `json:"channels,omitempty" db:"channels"`
	StartedAt     *time.Time        `json:"started_at,omitempty" db:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty" db:"ended_at"`
	EventID       string            `json:"event_id" db:"event_id"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// Transcript is keyed by the provider transcription id (or the event id when absent).
type Transcript struct {
	ID            string     `json:"id" db:"id"`
	CallID        string     `json:"call_id,omitempty" db:"call_id"`
	SessionID     string     `json:"session_id,omitempty" db:"session_id"`
	LegID         string     `json:"leg_id,omitempty" db:"leg_id"`
	CallControlID string     `json:"call_control_id,omitempty" db:"call_control_id"`
	Text          string     `json:"text" db:"text"`
	Confidence    float64    `json:"confidence,omitempty" db:"confidence"`
	IsFinal       bool       `json:"is_final" db:"is_final"`
	EventID       string     `json:"event_id" db:"event_id"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty" db:"occurred_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// ArtifactKeys are the identifiers used to link unlinked recordings/transcripts to a call.
type ArtifactKeys struct {
	SessionID      string
	CallControlIDs []string
	LegIDs         []string
}

// KeysFor collects every identifier known for c: its session, its call-control ids and its legs.
func KeysFor(c Call, legs []Leg) ArtifactKeys {
	k := ArtifactKeys{SessionID: c.SessionID}
	if c.CallControlID != "" {
		k.CallControlIDs = append(k.CallControlIDs, c.CallControlID)
	}
	for _, l := range legs {
		k.LegIDs = append(k.LegIDs, l.LegID)
		if l.CallControlID != "" && !contains(k.CallControlIDs, l.CallControlID) {
			k.CallControlIDs = append(k.CallControlIDs, l.CallControlID)
		}
	}
	return k
}

// Matches reports whether any of the artifact identifiers belong to k.
func (k ArtifactKeys) Matches(sessionID, callControlID, legID string) bool {
	if sessionID != "" && sessionID == k.SessionID {
		return true
	}
	if callControlID != "" && contains(k.CallControlIDs, callControlID) {
		return true
	}
	if legID != "" && contains(k.LegIDs, legID) {
		return true
	}
	return false
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
