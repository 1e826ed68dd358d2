package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEvent marks events that cannot be applied: unparsable bodies or missing id/type.
var ErrMalformedEvent = errors.New("events: malformed event")

// Normalize parses a raw webhook body into an Event.
func Normalize(raw []byte) (Event, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev, err := NormalizeEnvelope(env)
	if err != nil {
		return Event{}, err
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

// NormalizeEnvelope converts a decoded envelope into an Event.
// Raw is left empty; callers that need the payload snapshot should use Normalize.
func NormalizeEnvelope(env Envelope) (Event, error) {
	id := strings.TrimSpace(env.Data.ID)
	if id == "" {
		return Event{}, fmt.Errorf("%w: event id is required", ErrMalformedEvent)
	}
	et := strings.TrimSpace(env.EventType)
	if et == "" {
		et = strings.TrimSpace(env.Data.EventType)
	}
	if et == "" {
		return Event{}, fmt.Errorf("%w: event type is required", ErrMalformedEvent)
	}

	p := payload(env.Data.Payload)
	ev := Event{
		ID:   id,
		Type: Type(strings.ToLower(et)),
		Correlation: Correlation{
			CallControlID: p.str("call_control_id"),
			LegID:         p.str("call_leg_id"),
			SessionID:     p.str("call_session_id"),
			ConnectionID:  p.str("connection_id"),
			ConferenceID:  p.str("conference_id"),
			From:          normalizeAddress(p.str("from")),
			To:            normalizeAddress(p.str("to")),
		},
	}

	// occurred_at is optional; an unparsable value degrades to ledger insertion order.
	if ts := p.timeValue(env.Data.OccurredAt); ts != nil {
		ev.OccurredAt = *ts
	}

	ev.Attributes = attributesFor(ev.Type, ev.ID, p)
	if ev.Attributes.CallType == "" && ev.Correlation.ConferenceID != "" {
		ev.Attributes.CallType = "conference"
	}
	return ev, nil
}

func attributesFor(t Type, eventID string, p payload) Attributes {
	a := Attributes{
		Direction:      strings.ToLower(p.str("direction")),
		CallType:       strings.ToLower(p.str("call_type")),
		State:          p.str("state"),
		HangupCause:    p.str("hangup_cause"),
		HangupSource:   p.str("hangup_source"),
		SIPHangupCause: p.str("sip_hangup_cause"),
		FailureReason:  firstNonEmpty(p.str("failure_reason"), p.str("reason")),
		ClientState:    p.str("client_state"),
		StartTime:      p.timeValue(p.str("start_time")),
		EndTime:        p.timeValue(p.str("end_time")),
	}

	for _, key := range []string{"duration", "duration_secs", "call_duration"} {
		if n, ok := p.int(key); ok {
			a.DurationSeconds = &n
			break
		}
	}

	if stats, ok := p["call_quality_stats"].(map[string]any); ok && len(stats) > 0 {
		a.QualityStats = stats
	}

	switch t {
	case TypeCallRecordingSaved:
		a.Recording = recordingFrom(eventID, p)
	case TypeCallTranscription:
		a.Transcription = transcriptionFrom(eventID, p)
	case TypeCallDTMFReceived:
		if d := p.str("digit"); d != "" {
			a.setFact("last_dtmf_digit", d)
		}
	case TypeCallMachineDetectionEnded:
		if r := p.str("result"); r != "" {
			a.setFact("machine_detection_result", r)
		}
	}

	if tags, ok := p["tags"].([]any); ok && len(tags) > 0 {
		parts := make([]string, 0, len(tags))
		for _, tag := range tags {
			if s, ok := tag.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			a.setFact("tags", strings.Join(parts, ","))
		}
	}
	if a.ClientState != "" {
		a.setFact("client_state", a.ClientState)
	}
	return a
}

func recordingFrom(eventID string, p payload) *Recording {
	r := &Recording{
		ID:        firstNonEmpty(p.str("recording_id"), eventID),
		Channels:  p.str("channels"),
		StartedAt: p.timeValue(p.str("recording_started_at")),
		EndedAt:   p.timeValue(p.str("recording_ended_at")),
	}
	for _, key := range []string{"recording_urls", "public_recording_urls"} {
		urls, ok := p[key].(map[string]any)
		if !ok {
			continue
		}
		for format, v := range urls {
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			if r.URLs == nil {
				r.URLs = map[string]string{}
			}
			if _, exists := r.URLs[format]; !exists {
				r.URLs[format] = s
			}
		}
	}
	return r
}

func transcriptionFrom(eventID string, p payload) *Transcription {
	tr := &Transcription{ID: firstNonEmpty(p.str("transcription_id"), eventID)}
	data, ok := p["transcription_data"].(map[string]any)
	if !ok {
		data = p
	}
	d := payload(data)
	tr.Text = d.str("transcript")
	if f, ok := d.float("confidence"); ok {
		tr.Confidence = f
	}
	if b, ok := d["is_final"].(bool); ok {
		tr.IsFinal = b
	}
	return tr
}

func (a *Attributes) setFact(k, v string) {
	if a.Facts == nil {
		a.Facts = map[string]string{}
	}
	a.Facts[k] = v
}

// payload wraps the decoded payload map with typed accessors.
type payload map[string]any

func (p payload) str(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// int reads a non-negative whole number. Values outside int32 are treated as absent.
func (p payload) int(key string) (int, bool) {
	f, ok := p.float(key)
	if !ok || !(f >= 0 && f <= math.MaxInt32) {
		return 0, false
	}
	return int(math.Round(f)), true
}

func (p payload) float(key string) (float64, bool) {
	switch t := p[key].(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (p payload) timeValue(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// normalizeAddress trims whitespace. Non-numeric values such as "anonymous" or SIP URIs are kept as-is.
func normalizeAddress(s string) string {
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
