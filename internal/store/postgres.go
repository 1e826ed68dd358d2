package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
	"telecom-callflow/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schemaSQL }

// PostgresStore persists calls and the ledger in Postgres through database/sql (pgx stdlib driver).
//
// Assumes the tables in schema.sql. UNIQUE (event_id) on call_logs is the idempotency key;
// rows read through a Tx are locked with FOR UPDATE.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// WithinTx runs fn at READ COMMITTED. Serialization failures and deadlocks surface as
// ErrConflict so callers can rerun the unit of work.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{q: tx, now: s.clock})
	})
	return mapTxErr(err)
}

func mapTxErr(err error) error {
	if utils.IsTxRetryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Reader

func (s *PostgresStore) GetCall(ctx context.Context, id string) (calls.Call, error) {
	return getCall(ctx, s.db, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetCallBySession(ctx context.Context, sessionID string) (calls.Call, error) {
	if sessionID == "" {
		return calls.Call{}, ErrNotFound
	}
	return getCall(ctx, s.db, `WHERE session_id = $1`, sessionID)
}

func (s *PostgresStore) ListCalls(ctx context.Context, f CallFilter) ([]calls.Call, error) {
	f = f.Normalized()
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	q := `SELECT ` + callColumns + `
FROM calls
WHERE ($1 = '' OR owner_id = $1)
  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
  AND ($3::timestamptz IS NULL OR created_at >= $3)
  AND ($4::timestamptz IS NULL OR created_at < $4)
ORDER BY created_at DESC, id DESC
LIMIT $5 OFFSET $6
`
	rows, err := s.db.QueryContext(ctx, q, f.OwnerID, statuses, nullTime(f.From), nullTime(f.To), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []calls.Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (calls.Session, error) {
	return getSession(ctx, s.db, sessionID, false)
}

func (s *PostgresStore) ListLegs(ctx context.Context, callID string) ([]calls.Leg, error) {
	return listLegs(ctx, s.db, callID)
}

func (s *PostgresStore) ListLogs(ctx context.Context, callID string) ([]calls.LogEntry, error) {
	if callID == "" {
		return nil, nil
	}
	return queryLogs(ctx, s.db, `WHERE call_id = $1 ORDER BY COALESCE(occurred_at, created_at), sequence`, callID)
}

func (s *PostgresStore) ListOrphans(ctx context.Context, limit int) ([]calls.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.ListOrphansAfter(ctx, 0, limit)
}

func (s *PostgresStore) ListOrphansAfter(ctx context.Context, after int64, limit int) ([]calls.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return queryLogs(ctx, s.db, `WHERE call_id = '' AND sequence > $1 ORDER BY sequence LIMIT $2`, after, limit)
}

func (s *PostgresStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	return eventExists(ctx, s.db, eventID)
}

func (s *PostgresStore) ListRecordings(ctx context.Context, callID string) ([]calls.Recording, error) {
	return listRecordings(ctx, s.db, callID)
}

func (s *PostgresStore) ListTranscripts(ctx context.Context, callID string) ([]calls.Transcript, error) {
	return listTranscripts(ctx, s.db, callID)
}

// pgTx implements Tx on a *sql.Tx.
type pgTx struct {
	q   querier
	now func() time.Time
}

func (t *pgTx) EventExists(ctx context.Context, eventID string) (bool, error) {
	return eventExists(ctx, t.q, eventID)
}

func (t *pgTx) GetCall(ctx context.Context, id string) (calls.Call, error) {
	return getCall(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) CallBySession(ctx context.Context, sessionID string) (calls.Call, error) {
	if sessionID == "" {
		return calls.Call{}, ErrNotFound
	}
	return getCall(ctx, t.q, `WHERE session_id = $1 FOR UPDATE`, sessionID)
}

func (t *pgTx) CallByControlID(ctx context.Context, callControlID string) (calls.Call, error) {
	if callControlID == "" {
		return calls.Call{}, ErrNotFound
	}
	c, err := getCall(ctx, t.q, `WHERE call_control_id = $1 FOR UPDATE`, callControlID)
	if !errors.Is(err, ErrNotFound) {
		return c, err
	}
	return getCall(ctx, t.q, `WHERE id = (SELECT call_id FROM call_legs WHERE call_control_id = $1 ORDER BY created_at LIMIT 1) FOR UPDATE`, callControlID)
}

func (t *pgTx) CallByLegID(ctx context.Context, legID string) (calls.Call, error) {
	if legID == "" {
		return calls.Call{}, ErrNotFound
	}
	return getCall(ctx, t.q, `WHERE id = (SELECT call_id FROM call_legs WHERE leg_id = $1) FOR UPDATE`, legID)
}

func (t *pgTx) InsertCall(ctx context.Context, c calls.Call) error {
	meta, err := jsonArg(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO calls (
  id, owner_id, session_id, call_control_id, connection_id, direction, call_type, from_addr, to_addr,
  status, started_at, answered_at, ended_at, state_changed_at, duration_seconds,
  hangup_cause, hangup_source, recording_id, transcript_id, metadata, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
)
`
	_, err = t.q.ExecContext(ctx, q,
		c.ID,
		c.OwnerID,
		nullString(c.SessionID),
		nullString(c.CallControlID),
		c.ConnectionID,
		string(c.Direction),
		string(c.Type),
		c.From,
		c.To,
		string(c.Status),
		nullTime(c.StartedAt),
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		nullTime(c.StateChangedAt),
		nullInt(c.DurationSeconds),
		c.HangupCause,
		c.HangupSource,
		c.RecordingID,
		c.TranscriptID,
		meta,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (t *pgTx) UpdateCall(ctx context.Context, c calls.Call) error {
	meta, err := jsonArg(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE calls SET
  owner_id = $2, session_id = $3, call_control_id = $4, connection_id = $5, direction = $6, call_type = $7,
  from_addr = $8, to_addr = $9, status = $10, started_at = $11, answered_at = $12, ended_at = $13,
  state_changed_at = $14, duration_seconds = $15, hangup_cause = $16, hangup_source = $17,
  recording_id = $18, transcript_id = $19, metadata = $20, updated_at = $21
WHERE id = $1
`
	res, err := t.q.ExecContext(ctx, q,
		c.ID,
		c.OwnerID,
		nullString(c.SessionID),
		nullString(c.CallControlID),
		c.ConnectionID,
		string(c.Direction),
		string(c.Type),
		c.From,
		c.To,
		string(c.Status),
		nullTime(c.StartedAt),
		nullTime(c.AnsweredAt),
		nullTime(c.EndedAt),
		nullTime(c.StateChangedAt),
		nullInt(c.DurationSeconds),
		c.HangupCause,
		c.HangupSource,
		c.RecordingID,
		c.TranscriptID,
		meta,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetSession(ctx context.Context, sessionID string) (calls.Session, error) {
	return getSession(ctx, t.q, sessionID, true)
}

func (t *pgTx) SaveSession(ctx context.Context, s calls.Session) error {
	const q = `
INSERT INTO call_sessions (session_id, call_id, from_addr, to_addr, status, started_at, ended_at, duration_seconds, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (session_id) DO UPDATE SET
  from_addr = EXCLUDED.from_addr,
  to_addr = EXCLUDED.to_addr,
  status = EXCLUDED.status,
  started_at = EXCLUDED.started_at,
  ended_at = EXCLUDED.ended_at,
  duration_seconds = EXCLUDED.duration_seconds,
  updated_at = EXCLUDED.updated_at
WHERE call_sessions.call_id = EXCLUDED.call_id
`
	res, err := t.q.ExecContext(ctx, q,
		s.SessionID,
		s.CallID,
		s.From,
		s.To,
		string(s.Status),
		nullTime(s.StartedAt),
		nullTime(s.EndedAt),
		nullInt(s.DurationSeconds),
		s.CreatedAt,
		s.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// The session row exists but belongs to a different call.
		return ErrConflict
	}
	return nil
}

func (t *pgTx) GetLeg(ctx context.Context, legID string) (calls.Leg, error) {
	q := `SELECT ` + legColumns + ` FROM call_legs WHERE leg_id = $1 FOR UPDATE`
	l, err := scanLeg(t.q.QueryRowContext(ctx, q, legID))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Leg{}, ErrNotFound
	}
	return l, err
}

func (t *pgTx) SaveLeg(ctx context.Context, l calls.Leg) error {
	const q = `
INSERT INTO call_legs (
  leg_id, call_id, session_id, call_control_id, event_type, event_id, occurred_at, state,
  quality_stats, hangup_cause, hangup_source, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (leg_id) DO UPDATE SET
  session_id = EXCLUDED.session_id,
  call_control_id = EXCLUDED.call_control_id,
  event_type = EXCLUDED.event_type,
  event_id = EXCLUDED.event_id,
  occurred_at = EXCLUDED.occurred_at,
  state = EXCLUDED.state,
  quality_stats = EXCLUDED.quality_stats,
  hangup_cause = EXCLUDED.hangup_cause,
  hangup_source = EXCLUDED.hangup_source,
  updated_at = EXCLUDED.updated_at
`
	_, err := t.q.ExecContext(ctx, q,
		l.LegID,
		l.CallID,
		l.SessionID,
		l.CallControlID,
		string(l.EventType),
		l.EventID,
		nullTime(l.OccurredAt),
		string(l.State),
		rawArg(l.QualityStats),
		l.HangupCause,
		l.HangupSource,
		l.CreatedAt,
		l.UpdatedAt,
	)
	return err
}

func (t *pgTx) ListLegs(ctx context.Context, callID string) ([]calls.Leg, error) {
	return listLegs(ctx, t.q, callID)
}

func (t *pgTx) SaveRecording(ctx context.Context, r calls.Recording) error {
	urls, err := jsonArg(r.URLs)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO recordings (id, call_id, session_id, leg_id, call_control_id, urls, channels, started_at, ended_at, event_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  call_id = CASE WHEN EXCLUDED.call_id = '' THEN recordings.call_id ELSE EXCLUDED.call_id END,
  session_id = EXCLUDED.session_id,
  leg_id = EXCLUDED.leg_id,
  call_control_id = EXCLUDED.call_control_id,
  urls = EXCLUDED.urls,
  channels = EXCLUDED.channels,
  started_at = EXCLUDED.started_at,
  ended_at = EXCLUDED.ended_at,
  event_id = EXCLUDED.event_id
`
	_, err = t.q.ExecContext(ctx, q,
		r.ID, r.CallID, r.SessionID, r.LegID, r.CallControlID, urls, r.Channels,
		nullTime(r.StartedAt), nullTime(r.EndedAt), r.EventID, r.CreatedAt,
	)
	return err
}

func (t *pgTx) SaveTranscript(ctx context.Context, tr calls.Transcript) error {
	const q = `
INSERT INTO transcripts (id, call_id, session_id, leg_id, call_control_id, text, confidence, is_final, event_id, occurred_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  call_id = CASE WHEN EXCLUDED.call_id = '' THEN transcripts.call_id ELSE EXCLUDED.call_id END,
  session_id = EXCLUDED.session_id,
  leg_id = EXCLUDED.leg_id,
  call_control_id = EXCLUDED.call_control_id,
  text = EXCLUDED.text,
  confidence = EXCLUDED.confidence,
  is_final = EXCLUDED.is_final,
  event_id = EXCLUDED.event_id,
  occurred_at = EXCLUDED.occurred_at
`
	_, err := t.q.ExecContext(ctx, q,
		tr.ID, tr.CallID, tr.SessionID, tr.LegID, tr.CallControlID, tr.Text, tr.Confidence, tr.IsFinal,
		tr.EventID, nullTime(tr.OccurredAt), tr.CreatedAt,
	)
	return err
}

func (t *pgTx) LinkArtifacts(ctx context.Context, callID string, keys calls.ArtifactKeys) (int, error) {
	if keysEmpty(keys) {
		return 0, nil
	}
	total := 0
	for _, table := range []string{"recordings", "transcripts"} {
		q := `UPDATE ` + table + ` SET call_id = $1
WHERE call_id = ''
  AND (($2 <> '' AND session_id = $2) OR call_control_id = ANY($3::text[]) OR leg_id = ANY($4::text[]))`
		res, err := t.q.ExecContext(ctx, q, callID, keys.SessionID, nonNil(keys.CallControlIDs), nonNil(keys.LegIDs))
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	return total, nil
}

func (t *pgTx) AppendLog(ctx context.Context, e *calls.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now().UTC()
	}
	const q = `
INSERT INTO call_logs (
  id, call_id, event_id, event_type, occurred_at, session_id, call_control_id, leg_id,
  connection_id, conference_id, from_addr, to_addr, payload, outcome, orphan_reason, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (event_id) DO NOTHING
RETURNING sequence
`
	c := e.Correlation
	err := t.q.QueryRowContext(ctx, q,
		e.ID,
		e.CallID,
		e.EventID,
		string(e.EventType),
		nullTime(e.OccurredAt),
		c.SessionID,
		c.CallControlID,
		c.LegID,
		c.ConnectionID,
		c.ConferenceID,
		c.From,
		c.To,
		rawArg(e.Payload),
		string(e.Outcome),
		e.OrphanReason,
		e.CreatedAt,
	).Scan(&e.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateEvent
	}
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateEvent, err)
	}
	return err
}

func (t *pgTx) Orphans(ctx context.Context, keys calls.ArtifactKeys) ([]calls.LogEntry, error) {
	if keysEmpty(keys) {
		return nil, nil
	}
	return queryLogs(ctx, t.q, `
WHERE call_id = '' AND orphan_reason = $1
  AND (($2 <> '' AND session_id = $2) OR call_control_id = ANY($3::text[]) OR leg_id = ANY($4::text[]))
ORDER BY sequence
FOR UPDATE`, calls.OrphanUncorrelated, keys.SessionID, nonNil(keys.CallControlIDs), nonNil(keys.LegIDs))
}

func (t *pgTx) GetLog(ctx context.Context, eventID string) (calls.LogEntry, error) {
	entries, err := queryLogs(ctx, t.q, `WHERE event_id = $1 FOR UPDATE`, eventID)
	if err != nil {
		return calls.LogEntry{}, err
	}
	if len(entries) == 0 {
		return calls.LogEntry{}, ErrNotFound
	}
	return entries[0], nil
}

func (t *pgTx) AssignLog(ctx context.Context, eventID, callID string) error {
	e, err := t.GetLog(ctx, eventID)
	if err != nil {
		return err
	}
	if e.CallID == callID {
		return nil
	}
	if e.CallID != "" {
		return ErrConflict
	}
	if _, err := t.GetCall(ctx, callID); err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `UPDATE call_logs SET call_id = $2 WHERE event_id = $1 AND call_id = ''`, eventID, callID)
	return err
}

// shared queries

const callColumns = `id, owner_id, session_id, call_control_id, connection_id, direction, call_type, from_addr, to_addr,
  status, started_at, answered_at, ended_at, state_changed_at, duration_seconds,
  hangup_cause, hangup_source, recording_id, transcript_id, metadata, created_at, updated_at`

func getCall(ctx context.Context, q querier, where string, args ...any) (calls.Call, error) {
	c, err := scanCall(q.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Call{}, ErrNotFound
	}
	return c, err
}

func scanCall(row rowScanner) (calls.Call, error) {
	var (
		c                                        calls.Call
		sessionID, ccID                          sql.NullString
		direction, callType, status              string
		started, answered, ended, stateChangedAt sql.NullTime
		duration                                 sql.NullInt64
		meta                                     []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&sessionID,
		&ccID,
		&c.ConnectionID,
		&direction,
		&callType,
		&c.From,
		&c.To,
		&status,
		&started,
		&answered,
		&ended,
		&stateChangedAt,
		&duration,
		&c.HangupCause,
		&c.HangupSource,
		&c.RecordingID,
		&c.TranscriptID,
		&meta,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return calls.Call{}, err
	}
	c.SessionID = sessionID.String
	c.CallControlID = ccID.String
	c.Direction = calls.Direction(direction)
	c.Type = calls.CallType(callType)
	c.Status = calls.State(status)
	c.StartedAt = timePtr(started)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	c.StateChangedAt = timePtr(stateChangedAt)
	c.DurationSeconds = intPtr(duration)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return calls.Call{}, fmt.Errorf("store: decode call metadata: %w", err)
		}
	}
	return c, nil
}

func getSession(ctx context.Context, q querier, sessionID string, forUpdate bool) (calls.Session, error) {
	query := `
SELECT session_id, call_id, from_addr, to_addr, status, started_at, ended_at, duration_seconds, created_at, updated_at
FROM call_sessions
WHERE session_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		s              calls.Session
		status         string
		started, ended sql.NullTime
		duration       sql.NullInt64
	)
	err := q.QueryRowContext(ctx, query, sessionID).Scan(
		&s.SessionID,
		&s.CallID,
		&s.From,
		&s.To,
		&status,
		&started,
		&ended,
		&duration,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Session{}, ErrNotFound
		}
		return calls.Session{}, err
	}
	s.Status = calls.State(status)
	s.StartedAt = timePtr(started)
	s.EndedAt = timePtr(ended)
	s.DurationSeconds = intPtr(duration)
	return s, nil
}

const legColumns = `leg_id, call_id, session_id, call_control_id, event_type, event_id, occurred_at, state,
  quality_stats, hangup_cause, hangup_source, created_at, updated_at`

func scanLeg(row rowScanner) (calls.Leg, error) {
	var (
		l                calls.Leg
		eventType, state string
		occurred         sql.NullTime
		stats            []byte
	)
	if err := row.Scan(
		&l.LegID,
		&l.CallID,
		&l.SessionID,
		&l.CallControlID,
		&eventType,
		&l.EventID,
		&occurred,
		&state,
		&stats,
		&l.HangupCause,
		&l.HangupSource,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return calls.Leg{}, err
	}
	l.EventType = events.Type(eventType)
	l.State = calls.State(state)
	l.OccurredAt = timePtr(occurred)
	if len(stats) > 0 {
		l.QualityStats = json.RawMessage(stats)
	}
	return l, nil
}

func listLegs(ctx context.Context, q querier, callID string) ([]calls.Leg, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+legColumns+` FROM call_legs WHERE call_id = $1 ORDER BY leg_id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []calls.Leg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const logColumns = `id, sequence, call_id, event_id, event_type, occurred_at, session_id, call_control_id, leg_id,
  connection_id, conference_id, from_addr, to_addr, payload, outcome, orphan_reason, created_at`

func queryLogs(ctx context.Context, q querier, tail string, args ...any) ([]calls.LogEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+logColumns+` FROM call_logs `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.LogEntry
	for rows.Next() {
		var (
			e                  calls.LogEntry
			eventType, outcome string
			occurred           sql.NullTime
			payload            []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.Sequence,
			&e.CallID,
			&e.EventID,
			&eventType,
			&occurred,
			&e.Correlation.SessionID,
			&e.Correlation.CallControlID,
			&e.Correlation.LegID,
			&e.Correlation.ConnectionID,
			&e.Correlation.ConferenceID,
			&e.Correlation.From,
			&e.Correlation.To,
			&payload,
			&outcome,
			&e.OrphanReason,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.EventType = events.Type(eventType)
		e.OccurredAt = timePtr(occurred)
		e.Outcome = calls.Outcome(outcome)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func eventExists(ctx context.Context, q querier, eventID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM call_logs WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func listRecordings(ctx context.Context, q querier, callID string) ([]calls.Recording, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, call_id, session_id, leg_id, call_control_id, urls, channels, started_at, ended_at, event_id, created_at
FROM recordings
WHERE call_id = $1
ORDER BY created_at, id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Recording
	for rows.Next() {
		var (
			r              calls.Recording
			urls           []byte
			started, ended sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CallID, &r.SessionID, &r.LegID, &r.CallControlID, &urls, &r.Channels, &started, &ended, &r.EventID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.StartedAt = timePtr(started)
		r.EndedAt = timePtr(ended)
		if len(urls) > 0 {
			if err := json.Unmarshal(urls, &r.URLs); err != nil {
				return nil, fmt.Errorf("store: decode recording urls: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func listTranscripts(ctx context.Context, q querier, callID string) ([]calls.Transcript, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, call_id, session_id, leg_id, call_control_id, text, confidence, is_final, event_id, occurred_at, created_at
FROM transcripts
WHERE call_id = $1
ORDER BY created_at, id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Transcript
	for rows.Next() {
		var (
			tr       calls.Transcript
			occurred sql.NullTime
		)
		if err := rows.Scan(&tr.ID, &tr.CallID, &tr.SessionID, &tr.LegID, &tr.CallControlID, &tr.Text, &tr.Confidence, &tr.IsFinal, &tr.EventID, &occurred, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.OccurredAt = timePtr(occurred)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// nullable helpers

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func jsonArg[M ~map[string]string](m M) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func rawArg(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
