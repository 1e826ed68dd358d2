package store

import (
	"context"
	"errors"
	"time"

	"telecom-callflow/internal/calls"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateEvent is returned by AppendLog when the event id is already ledgered.
	ErrDuplicateEvent = errors.New("store: duplicate event")

	// ErrConflict is returned when a write violates a uniqueness rule other than the
	// event id (for example two calls claiming the same session id).
	ErrConflict = errors.New("store: conflict")
)

// CallFilter narrows ListCalls. Zero values mean "no filter".
type CallFilter struct {
	OwnerID  string
	Statuses []calls.State
	// From/To bound created_at (inclusive/exclusive).
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalized clamps paging values.
func (f CallFilter) Normalized() CallFilter {
	out := f
	if out.Limit <= 0 {
		out.Limit = DefaultListLimit
	}
	if out.Limit > MaxListLimit {
		out.Limit = MaxListLimit
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	return out
}

// Reader is the read surface used by queries and reports.
type Reader interface {
	GetCall(ctx context.Context, id string) (calls.Call, error)
	GetCallBySession(ctx context.Context, sessionID string) (calls.Call, error)
	ListCalls(ctx context.Context, f CallFilter) ([]calls.Call, error)
	GetSession(ctx context.Context, sessionID string) (calls.Session, error)
	ListLegs(ctx context.Context, callID string) ([]calls.Leg, error)

	// ListLogs returns the call's ledger ordered by occurred_at (falling back to
	// ingestion time) and then by sequence.
	ListLogs(ctx context.Context, callID string) ([]calls.LogEntry, error)
	ListOrphans(ctx context.Context, limit int) ([]calls.LogEntry, error)
	// ListOrphansAfter pages the orphan bucket in sequence order, starting after the given sequence.
	ListOrphansAfter(ctx context.Context, after int64, limit int) ([]calls.LogEntry, error)
	EventExists(ctx context.Context, eventID string) (bool, error)

	ListRecordings(ctx context.Context, callID string) ([]calls.Recording, error)
	ListTranscripts(ctx context.Context, callID string) ([]calls.Transcript, error)
}

// Tx is one unit of work. Lookups made through a Tx lock the rows they return
// until the transaction ends.
type Tx interface {
	EventExists(ctx context.Context, eventID string) (bool, error)

	GetCall(ctx context.Context, id string) (calls.Call, error)
	CallBySession(ctx context.Context, sessionID string) (calls.Call, error)
	// CallByControlID matches the call's primary call-control id or any of its legs.
	CallByControlID(ctx context.Context, callControlID string) (calls.Call, error)
	CallByLegID(ctx context.Context, legID string) (calls.Call, error)
	InsertCall(ctx context.Context, c calls.Call) error
	UpdateCall(ctx context.Context, c calls.Call) error

	GetSession(ctx context.Context, sessionID string) (calls.Session, error)
	SaveSession(ctx context.Context, s calls.Session) error
	GetLeg(ctx context.Context, legID string) (calls.Leg, error)
	SaveLeg(ctx context.Context, l calls.Leg) error
	ListLegs(ctx context.Context, callID string) ([]calls.Leg, error)

	// SaveRecording upserts by recording id. An existing call link is never cleared.
	SaveRecording(ctx context.Context, r calls.Recording) error
	SaveTranscript(ctx context.Context, t calls.Transcript) error
	// LinkArtifacts attaches unlinked recordings and transcripts matching keys to callID.
	LinkArtifacts(ctx context.Context, callID string, keys calls.ArtifactKeys) (int, error)

	// AppendLog ledgers e and assigns e.Sequence. It returns ErrDuplicateEvent if the
	// event id is already present.
	AppendLog(ctx context.Context, e *calls.LogEntry) error
	// Orphans returns uncorrelated orphan entries matching keys. Empty keys match nothing.
	Orphans(ctx context.Context, keys calls.ArtifactKeys) ([]calls.LogEntry, error)
	GetLog(ctx context.Context, eventID string) (calls.LogEntry, error)
	// AssignLog attaches an orphaned entry to callID. It returns ErrConflict when the
	// entry already belongs to a call.
	AssignLog(ctx context.Context, eventID, callID string) error
}

// Store is the full storage contract.
type Store interface {
	Reader
	// WithinTx runs fn in a transaction. Any error returned by fn rolls back every write.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// keysEmpty reports whether keys can match anything.
func keysEmpty(k calls.ArtifactKeys) bool {
	return k.SessionID == "" && len(k.CallControlIDs) == 0 && len(k.LegIDs) == 0
}
