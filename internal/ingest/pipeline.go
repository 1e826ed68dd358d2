package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
	"telecom-callflow/internal/notify"
	"telecom-callflow/internal/store"
	"telecom-callflow/pkg/logger"
)

// ErrStorageFailure wraps any error that prevented an event from being durably ledgered.
// Nothing of the event survives; the sender is expected to retry.
var ErrStorageFailure = errors.New("ingest: storage failure")

// Notifier receives change records after commit. It must not block.
type Notifier interface {
	Notify(rec notify.ChangeRecord)
}

// Auditor records operational audit events. Failures are logged, never returned to senders.
type Auditor interface {
	LogCorrelationConflict(ctx context.Context, eventID string, callIDs []string, details map[string]string) error
	LogOrphanAssigned(ctx context.Context, workspaceID, actorUserID, actorRole, ip, eventID, callID, reason string) error
	LogOrphansReconciled(ctx context.Context, callID string, eventIDs []string) error
}

// Options wires a Pipeline. Store is required.
type Options struct {
	Store    store.Store
	Locker   Locker
	Owners   OwnerResolver
	Notifier Notifier
	Audit    Auditor
	Logger   *slog.Logger
}

// Pipeline admits, correlates, applies and ledgers call events.
//
// One event is one transaction: the idempotency check, every aggregate write and the
// ledger append commit together or not at all. Events sharing any identifier are
// serialized by the Locker; notification happens after commit, outside the lock.
type Pipeline struct {
	store    store.Store
	locker   Locker
	owners   OwnerResolver
	notifier Notifier
	audit    Auditor
	log      *slog.Logger
	clock    func() time.Time
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		store:    opts.Store,
		locker:   opts.Locker,
		owners:   opts.Owners,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		log:      opts.Logger,
		clock:    time.Now,
	}
	if p.locker == nil {
		p.locker = NewLocalLocker()
	}
	if p.owners == nil {
		p.owners = StaticOwners(nil)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Result describes what happened to one delivery.
type Result struct {
	EventID   string        `json:"event_id,omitempty"`
	EventType events.Type   `json:"event_type,omitempty"`
	Outcome   calls.Outcome `json:"status"`
	CallID    string        `json:"call_id,omitempty"`
	State     calls.State   `json:"state,omitempty"`
	Changed   bool          `json:"changed"`
}

// maxTxAttempts covers a uniqueness race with another process that committed the same call first.
const maxTxAttempts = 2

// Ingest normalizes raw and applies it.
//
// Malformed input returns OutcomeMalformed with an error wrapping events.ErrMalformedEvent.
// Duplicates, orphans, conflicts and illegal transitions are outcomes, not errors.
// The only other error is one wrapping ErrStorageFailure.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) (Result, error) {
	ev, err := events.Normalize(raw)
	if err != nil {
		logger.FromOr(ctx, p.log).Warn("malformed event", "err", err)
		return Result{Outcome: calls.OutcomeMalformed}, err
	}
	return p.Apply(ctx, ev)
}

// Apply runs an already normalized event through the pipeline.
func (p *Pipeline) Apply(ctx context.Context, ev events.Event) (Result, error) {
	log := logger.FromOr(ctx, p.log).With("event_id", ev.ID, "event_type", string(ev.Type))
	dup := Result{EventID: ev.ID, EventType: ev.Type, Outcome: calls.OutcomeDuplicate}

	// Cheap pre-check; the transactional check below is the authoritative one.
	if exists, err := p.store.EventExists(ctx, ev.ID); err == nil && exists {
		log.Debug("duplicate event")
		return dup, nil
	}

	unlock, err := p.locker.Lock(ctx, lockKeys(ev))
	if err != nil {
		log.Error("acquire event lock failed", "err", err)
		return Result{EventID: ev.ID, EventType: ev.Type}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	// Once admitted the event runs to completion.
	ctx = context.WithoutCancel(ctx)

	var out applyOutput
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		out, err = p.applyTx(ctx, ev)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		log.Warn("aggregate write conflict, retrying", "attempt", attempt, "err", err)
	}
	unlock()

	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		log.Debug("duplicate event")
		return dup, nil
	case err != nil:
		log.Error("event not ledgered", "err", err)
		return Result{EventID: ev.ID, EventType: ev.Type}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	p.afterCommit(ctx, log, ev, out)
	return out.result, nil
}

type applyOutput struct {
	result   Result
	prev     calls.State
	call     calls.Call
	conflict *ConflictError
	relinked []string
	linked   int
}

func (p *Pipeline) applyTx(ctx context.Context, ev events.Event) (applyOutput, error) {
	var out applyOutput
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = applyOutput{result: Result{EventID: ev.ID, EventType: ev.Type}}

		exists, err := tx.EventExists(ctx, ev.ID)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicateEvent
		}

		now := p.clock().UTC()
		entry := calls.LogEntry{
			ID:          uuid.NewString(),
			EventID:     ev.ID,
			EventType:   ev.Type,
			OccurredAt:  occurredAt(ev),
			Correlation: ev.Correlation,
			Payload:     ev.Raw,
			CreatedAt:   now,
		}

		call, found, err := resolve(ctx, tx, ev.Correlation)
		var conflict *ConflictError
		switch {
		case errors.As(err, &conflict):
			out.conflict = conflict
			return p.park(ctx, tx, &out, ev, &entry, calls.OutcomeConflict, calls.OrphanConflict, now)
		case err != nil:
			return err
		case !found && !ev.Correlation.CanSeed():
			return p.park(ctx, tx, &out, ev, &entry, calls.OutcomeOrphaned, calls.OrphanUncorrelated, now)
		case !found && !ev.Type.Known():
			// Unknown types never seed a call. Parked, they attach once the call shows up.
			return p.park(ctx, tx, &out, ev, &entry, calls.OutcomeIgnored, calls.OrphanUncorrelated, now)
		}

		if !found {
			call = p.newCall(ctx, ev, now)
		}
		out.prev = call.Status
		backfill(&call, ev, p.owners.OwnerFor(ctx, ev.Correlation.ConnectionID))

		outcome, changed := applyEvent(&call, ev)
		if !found && call.Status == calls.StateNone {
			call.Status = calls.DefaultState
		}
		call.UpdatedAt = now

		if found {
			err = tx.UpdateCall(ctx, call)
		} else {
			err = tx.InsertCall(ctx, call)
		}
		if err != nil {
			return fmt.Errorf("save call: %w", err)
		}
		if err := saveSession(ctx, tx, call, now); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		if err := saveLeg(ctx, tx, call.ID, ev, now); err != nil {
			return fmt.Errorf("save leg: %w", err)
		}
		if err := saveArtifacts(ctx, tx, call.ID, ev, now); err != nil {
			return fmt.Errorf("save artifacts: %w", err)
		}

		entry.CallID = call.ID
		entry.Outcome = outcome
		if err := tx.AppendLog(ctx, &entry); err != nil {
			return err
		}

		relinked, linked, err := relink(ctx, tx, call)
		if err != nil {
			return fmt.Errorf("relink orphans: %w", err)
		}
		out.linked = linked
		if len(relinked) > 0 {
			applied, err := replay(ctx, tx, &call, relinked, now)
			if err != nil {
				return fmt.Errorf("replay orphans: %w", err)
			}
			if applied {
				changed = true
				if err := tx.UpdateCall(ctx, call); err != nil {
					return fmt.Errorf("save call: %w", err)
				}
				if err := saveSession(ctx, tx, call, now); err != nil {
					return fmt.Errorf("save session: %w", err)
				}
			}
			for _, o := range relinked {
				out.relinked = append(out.relinked, o.EventID)
			}
		}

		out.call = call
		out.result.Outcome = outcome
		out.result.CallID = call.ID
		out.result.State = call.Status
		out.result.Changed = changed || !found
		return nil
	})
	return out, err
}

// park ledgers an event that cannot be attached to a call. Its recording or transcript is kept unlinked.
func (p *Pipeline) park(ctx context.Context, tx store.Tx, out *applyOutput, ev events.Event, entry *calls.LogEntry, outcome calls.Outcome, reason string, now time.Time) error {
	if err := saveArtifacts(ctx, tx, "", ev, now); err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	entry.Outcome = outcome
	entry.OrphanReason = reason
	if err := tx.AppendLog(ctx, entry); err != nil {
		return err
	}
	out.result.Outcome = outcome
	return nil
}

func (p *Pipeline) afterCommit(ctx context.Context, log *slog.Logger, ev events.Event, out applyOutput) {
	res := out.result
	switch res.Outcome {
	case calls.OutcomeConflict:
		log.Error("correlation conflict, event parked",
			"call_ids", out.conflict.CallIDs,
			"session_id", ev.Correlation.SessionID,
			"call_control_id", ev.Correlation.CallControlID,
			"leg_id", ev.Correlation.LegID,
		)
		if p.audit != nil {
			details := map[string]string{}
			for kind, id := range out.conflict.By {
				details[kind] = id
			}
			if err := p.audit.LogCorrelationConflict(ctx, ev.ID, out.conflict.CallIDs, details); err != nil {
				log.Error("audit append failed", "err", err)
			}
		}
		return
	case calls.OutcomeOrphaned:
		log.Info("uncorrelated event parked", "leg_id", ev.Correlation.LegID)
		return
	case calls.OutcomeIllegal:
		log.Warn("illegal transition", "call_id", res.CallID, "from", string(out.prev), "state", string(res.State))
	case calls.OutcomeIgnored:
		log.Info("unknown event type, no transition", "call_id", res.CallID)
	default:
		log.Info("event applied", "call_id", res.CallID, "outcome", string(res.Outcome), "state", string(res.State))
	}

	if len(out.relinked) > 0 || out.linked > 0 {
		log.Info("orphans relinked", "call_id", res.CallID, "events", out.relinked, "artifacts", out.linked)
		if p.audit != nil && len(out.relinked) > 0 {
			if err := p.audit.LogOrphansReconciled(ctx, res.CallID, out.relinked); err != nil {
				log.Error("audit append failed", "err", err)
			}
		}
	}

	if res.Changed && p.notifier != nil {
		p.notifier.Notify(notify.RecordFor(out.call, out.prev, ev))
	}
}

func (p *Pipeline) newCall(ctx context.Context, ev events.Event, now time.Time) calls.Call {
	c := ev.Correlation
	return calls.Call{
		ID:            uuid.NewString(),
		OwnerID:       p.owners.OwnerFor(ctx, c.ConnectionID),
		SessionID:     c.SessionID,
		CallControlID: c.CallControlID,
		ConnectionID:  c.ConnectionID,
		Direction:     calls.ParseDirection(ev.Attributes.Direction),
		Type:          calls.ParseCallType(ev.Attributes.CallType),
		From:          c.From,
		To:            c.To,
		Status:        calls.StateNone,
		CreatedAt:     now,
	}
}

// backfill copies identifiers and addressing the call does not have yet.
// A call first seen by call-control id picks up its session id here.
func backfill(c *calls.Call, ev events.Event, owner string) {
	corr := ev.Correlation
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	fill(&c.SessionID, corr.SessionID)
	fill(&c.CallControlID, corr.CallControlID)
	fill(&c.ConnectionID, corr.ConnectionID)
	fill(&c.From, corr.From)
	fill(&c.To, corr.To)
	fill(&c.OwnerID, owner)
	if c.Direction == "" {
		c.Direction = calls.ParseDirection(ev.Attributes.Direction)
	}
	if c.Type == "" {
		c.Type = calls.ParseCallType(ev.Attributes.CallType)
	}
}

// applyEvent runs the state machine and side-effect updates on c.
// changed reports whether any stored field of the call was modified.
func applyEvent(c *calls.Call, ev events.Event) (calls.Outcome, bool) {
	at := occurredAt(ev)
	attrs := ev.Attributes
	changed := false
	outcome := calls.OutcomeUnchanged

	switch calls.Classify(ev.Type) {
	case calls.KindTransition:
		next, err := calls.Next(c.Status, ev.Type)
		if err != nil {
			outcome = calls.OutcomeIllegal
			break
		}
		if next != c.Status {
			c.Status = next
			c.StateChangedAt = at
			changed = true
		}
		switch ev.Type {
		case events.TypeCallInitiated:
			changed = setTimeOnce(&c.StartedAt, firstTime(attrs.StartTime, at)) || changed
		case events.TypeCallAnswered:
			changed = setTimeOnce(&c.AnsweredAt, at) || changed
		case events.TypeCallHangup, events.TypeCallFailed:
			changed = setTimeOnce(&c.EndedAt, firstTime(attrs.EndTime, at)) || changed
		}
		if changed {
			outcome = calls.OutcomeApplied
		}
	case calls.KindUnknown:
		return calls.OutcomeIgnored, false
	}

	// Side-effect fields attach whichever event carries them, legal transition or not.
	side := false
	if attrs.DurationSeconds != nil && c.DurationSeconds == nil {
		d := *attrs.DurationSeconds
		c.DurationSeconds = &d
		side = true
	}
	if c.Status.Terminal() && c.DurationSeconds == nil {
		if d, ok := c.Duration(); ok {
			c.DurationSeconds = &d
			side = true
		}
	}
	side = setStringOnce(&c.HangupCause, firstNonEmpty(attrs.HangupCause, attrs.SIPHangupCause)) || side
	side = setStringOnce(&c.HangupSource, attrs.HangupSource) || side
	if attrs.Recording != nil && c.RecordingID != attrs.Recording.ID {
		c.RecordingID = attrs.Recording.ID
		side = true
	}
	if attrs.Transcription != nil && c.TranscriptID != attrs.Transcription.ID {
		c.TranscriptID = attrs.Transcription.ID
		side = true
	}
	if ev.Type == events.TypeCallFailed && attrs.FailureReason != "" {
		side = setFact(c, "failure_reason", attrs.FailureReason) || side
	}
	for k, v := range attrs.Facts {
		side = setFact(c, k, v) || side
	}

	if side {
		changed = true
		if outcome == calls.OutcomeUnchanged {
			outcome = calls.OutcomeApplied
		}
	}
	return outcome, changed
}

func saveSession(ctx context.Context, tx store.Tx, c calls.Call, now time.Time) error {
	if c.SessionID == "" {
		return nil
	}
	s, err := tx.GetSession(ctx, c.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		s = calls.Session{SessionID: c.SessionID, CreatedAt: now}
	} else if err != nil {
		return err
	}
	s.CallID = c.ID
	s.From = c.From
	s.To = c.To
	s.Status = c.Status
	s.StartedAt = c.StartedAt
	s.EndedAt = c.EndedAt
	s.DurationSeconds = nil
	if d, ok := c.Duration(); ok {
		s.DurationSeconds = &d
	}
	s.UpdatedAt = now
	return tx.SaveSession(ctx, s)
}

// saveLeg upserts the leg the event came from. The leg snapshot only moves forward in occurred_at.
func saveLeg(ctx context.Context, tx store.Tx, callID string, ev events.Event, now time.Time) error {
	corr := ev.Correlation
	if corr.LegID == "" {
		return nil
	}
	l, err := tx.GetLeg(ctx, corr.LegID)
	if errors.Is(err, store.ErrNotFound) {
		l = calls.Leg{LegID: corr.LegID, CreatedAt: now}
	} else if err != nil {
		return err
	}
	l.CallID = callID
	if l.SessionID == "" {
		l.SessionID = corr.SessionID
	}
	if l.CallControlID == "" {
		l.CallControlID = corr.CallControlID
	}

	at := occurredAt(ev)
	if l.EventID != "" && at != nil && l.OccurredAt != nil && at.Before(*l.OccurredAt) {
		l.UpdatedAt = now
		return tx.SaveLeg(ctx, l)
	}
	if st, err := calls.Next(l.State, ev.Type); err == nil && calls.Classify(ev.Type) == calls.KindTransition {
		l.State = st
	}
	l.EventType = ev.Type
	l.EventID = ev.ID
	l.OccurredAt = at
	if len(ev.Attributes.QualityStats) > 0 {
		if b, err := json.Marshal(ev.Attributes.QualityStats); err == nil {
			l.QualityStats = b
		}
	}
	if ev.Attributes.HangupCause != "" {
		l.HangupCause = ev.Attributes.HangupCause
	}
	if ev.Attributes.HangupSource != "" {
		l.HangupSource = ev.Attributes.HangupSource
	}
	l.UpdatedAt = now
	return tx.SaveLeg(ctx, l)
}

// saveArtifacts stores the event's recording or transcript. callID may be empty.
func saveArtifacts(ctx context.Context, tx store.Tx, callID string, ev events.Event, now time.Time) error {
	corr := ev.Correlation
	if r := ev.Attributes.Recording; r != nil {
		err := tx.SaveRecording(ctx, calls.Recording{
			ID:            r.ID,
			CallID:        callID,
			SessionID:     corr.SessionID,
			LegID:         corr.LegID,
			CallControlID: corr.CallControlID,
			URLs:          r.URLs,
			Channels:      r.Channels,
			StartedAt:     r.StartedAt,
			EndedAt:       r.EndedAt,
			EventID:       ev.ID,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
	}
	if t := ev.Attributes.Transcription; t != nil {
		return tx.SaveTranscript(ctx, calls.Transcript{
			ID:            t.ID,
			CallID:        callID,
			SessionID:     corr.SessionID,
			LegID:         corr.LegID,
			CallControlID: corr.CallControlID,
			Text:          t.Text,
			Confidence:    t.Confidence,
			IsFinal:       t.IsFinal,
			EventID:       ev.ID,
			OccurredAt:    occurredAt(ev),
			CreatedAt:     now,
		})
	}
	return nil
}

// relink attaches uncorrelated orphans and unlinked artifacts that match the call's identifiers.
// It returns the attached entries; the caller replays them onto the call.
func relink(ctx context.Context, tx store.Tx, c calls.Call) ([]calls.LogEntry, int, error) {
	keys, err := artifactKeys(ctx, tx, c)
	if err != nil {
		return nil, 0, err
	}
	orphans, err := tx.Orphans(ctx, keys)
	if err != nil {
		return nil, 0, err
	}
	for _, o := range orphans {
		if err := tx.AssignLog(ctx, o.EventID, c.ID); err != nil {
			return nil, 0, err
		}
	}
	n, err := tx.LinkArtifacts(ctx, c.ID, keys)
	if err != nil {
		return nil, 0, err
	}
	return orphans, n, nil
}

// replay applies ledger entries that were just attached to c, oldest first.
// The state machine rejects anything that would move c backwards, so a late
// replay never reverts a newer state. It reports whether c changed; the caller saves it.
func replay(ctx context.Context, tx store.Tx, c *calls.Call, entries []calls.LogEntry, now time.Time) (bool, error) {
	entries = append([]calls.LogEntry(nil), entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := replayTime(entries[i]), replayTime(entries[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].Sequence < entries[j].Sequence
	})

	changed := false
	for _, e := range entries {
		ev := eventFromLog(e)
		if _, ch := applyEvent(c, ev); ch {
			changed = true
		}
		if err := saveLeg(ctx, tx, c.ID, ev, now); err != nil {
			return changed, err
		}
	}
	if changed {
		c.UpdatedAt = now
	}
	return changed, nil
}

func replayTime(e calls.LogEntry) time.Time {
	if e.OccurredAt != nil {
		return *e.OccurredAt
	}
	return e.CreatedAt
}

// eventFromLog rebuilds the event behind a ledger entry from its payload snapshot.
// Entries without a usable snapshot fall back to the columns the ledger keeps.
func eventFromLog(e calls.LogEntry) events.Event {
	if len(e.Payload) > 0 {
		if ev, err := events.Normalize(e.Payload); err == nil && ev.ID == e.EventID {
			return ev
		}
	}
	ev := events.Event{ID: e.EventID, Type: e.EventType, Correlation: e.Correlation}
	if e.OccurredAt != nil {
		ev.OccurredAt = *e.OccurredAt
	}
	return ev
}

func occurredAt(ev events.Event) *time.Time {
	if ev.OccurredAt.IsZero() {
		return nil
	}
	t := ev.OccurredAt.UTC()
	return &t
}

func setTimeOnce(dst **time.Time, v *time.Time) bool {
	if *dst != nil || v == nil {
		return false
	}
	t := *v
	*dst = &t
	return true
}

func setStringOnce(dst *string, v string) bool {
	if *dst != "" || v == "" {
		return false
	}
	*dst = v
	return true
}

func setFact(c *calls.Call, k, v string) bool {
	if c.Metadata[k] == v {
		return false
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[k] = v
	return true
}

func firstTime(vals ...*time.Time) *time.Time {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
