package events

import (
	"encoding/json"
	"time"
)

// Type is the provider event type string, e.g. "call.answered".
type Type string

const (
	TypeCallInitiated             Type = "call.initiated"
	TypeCallRinging               Type = "call.ringing"
	TypeCallAnswered              Type = "call.answered"
	TypeCallBridged               Type = "call.bridged"
	TypeCallHangup                Type = "call.hangup"
	TypeCallFailed                Type = "call.failed"
	TypeCallRecordingSaved        Type = "call.recording.saved"
	TypeCallTranscription         Type = "call.transcription"
	TypeCallDTMFReceived          Type = "call.dtmf.received"
	TypeCallMachineDetectionEnded Type = "call.machine.detection.ended"
)

// Known reports whether t is handled by the call state machine or a side-effect branch.
// Unknown types are still ledgered.
func (t Type) Known() bool {
	switch t {
	case TypeCallInitiated,
		TypeCallRinging,
		TypeCallAnswered,
		TypeCallBridged,
		TypeCallHangup,
		TypeCallFailed,
		TypeCallRecordingSaved,
		TypeCallTranscription,
		TypeCallDTMFReceived,
		TypeCallMachineDetectionEnded:
		return true
	default:
		return false
	}
}

// Envelope is the inbound webhook body.
//
// Both shapes are accepted:
//   - {"event_type": "...", "data": {"id": "...", "occurred_at": "...", "payload": {...}}}
//   - {"data": {"event_type": "...", "id": "...", "occurred_at": "...", "payload": {...}}}
type Envelope struct {
	EventType string         `json:"event_type,omitempty"`
	Data      EnvelopeData   `json:"data"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type EnvelopeData struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type,omitempty"`
	RecordType string         `json:"record_type,omitempty"`
	OccurredAt string         `json:"occurred_at,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Correlation is the bag of provider identifiers carried by an event.
type Correlation struct {
	CallControlID string `json:"call_control_id,omitempty"`
	LegID         string `json:"call_leg_id,omitempty"`
	SessionID     string `json:"call_session_id,omitempty"`
	ConnectionID  string `json:"connection_id,omitempty"`
	ConferenceID  string `json:"conference_id,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
}

// HasAggregateKey reports whether any identifier usable for call correlation is present.
func (c Correlation) HasAggregateKey() bool {
	return c.SessionID != "" || c.CallControlID != "" || c.LegID != ""
}

// CanSeed reports whether a new call aggregate may be created from these identifiers.
// A leg id alone is not enough: legs only make sense inside a known call.
func (c Correlation) CanSeed() bool {
	return c.SessionID != "" || c.CallControlID != ""
}

// Event is a normalized inbound event.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Correlation Correlation     `json:"correlation"`
	Attributes  Attributes      `json:"attributes"`
	Raw         json.RawMessage `json:"-"`
}

// Attributes are the typed facts extracted from the payload.
type Attributes struct {
	Direction      string `json:"direction,omitempty"`
	CallType       string `json:"call_type,omitempty"`
	State          string `json:"state,omitempty"`
	HangupCause    string `json:"hangup_cause,omitempty"`
	HangupSource   string `json:"hangup_source,omitempty"`
	SIPHangupCause string `json:"sip_hangup_cause,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	ClientState    string `json:"client_state,omitempty"`

	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`

	QualityStats map[string]any `json:"quality_stats,omitempty"`

	Recording     *Recording     `json:"recording,omitempty"`
	Transcription *Transcription `json:"transcription,omitempty"`

	// Facts are keyed values merged into the call's metadata (dtmf digits, AMD result, tags).
	Facts map[string]string `json:"facts,omitempty"`
}

type Recording struct {
	ID        string            `json:"id"`
	URLs      map[string]string `json:"urls,omitempty"`
	Channels  string            `json:"channels,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

type Transcription struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	IsFinal    bool    `json:"is_final"`
}
