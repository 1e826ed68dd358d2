package query

import (
	"context"
	"errors"
	"log/slog"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/store"
)

var ErrInvalidArgument = errors.New("query: invalid argument")

// Scope limits what a caller can read.
// A scope with All set sees every call; otherwise only calls owned by OwnerID.
type Scope struct {
	OwnerID string
	All     bool
}

func (s Scope) allows(c calls.Call) bool {
	return s.All || (s.OwnerID != "" && c.OwnerID == s.OwnerID)
}

// Service is the read-only facade over the call store.
//
// Calls outside the caller's scope are reported as store.ErrNotFound so their
// existence is not leaked across workspaces.
type Service struct {
	store store.Store
	log   *slog.Logger
}

func NewService(st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, log: log}
}

// CallDetail is a call with its legs.
type CallDetail struct {
	calls.Call
	Legs []calls.Leg `json:"legs"`
}

func (s *Service) GetCall(ctx context.Context, scope Scope, callID string) (CallDetail, error) {
	c, err := s.visibleCall(ctx, scope, callID)
	if err != nil {
		return CallDetail{}, err
	}
	legs, err := s.store.ListLegs(ctx, c.ID)
	if err != nil {
		return CallDetail{}, err
	}
	return CallDetail{Call: c, Legs: nonNil(legs)}, nil
}

func (s *Service) GetCallBySession(ctx context.Context, scope Scope, sessionID string) (calls.Call, error) {
	if sessionID == "" {
		return calls.Call{}, ErrInvalidArgument
	}
	c, err := s.store.GetCallBySession(ctx, sessionID)
	if err != nil {
		return calls.Call{}, err
	}
	if !scope.allows(c) {
		return calls.Call{}, store.ErrNotFound
	}
	return c, nil
}

// GetSession returns the session view; visibility follows the owning call.
func (s *Service) GetSession(ctx context.Context, scope Scope, sessionID string) (calls.Session, error) {
	if sessionID == "" {
		return calls.Session{}, ErrInvalidArgument
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return calls.Session{}, err
	}
	if _, err := s.visibleCall(ctx, scope, sess.CallID); err != nil {
		return calls.Session{}, err
	}
	return sess, nil
}

// ListCalls applies f within scope. A scoped caller cannot widen the owner filter.
func (s *Service) ListCalls(ctx context.Context, scope Scope, f store.CallFilter) ([]calls.Call, error) {
	if f.From != nil && f.To != nil && !f.To.After(*f.From) {
		return nil, ErrInvalidArgument
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, ErrInvalidArgument
		}
	}
	if !scope.All {
		if scope.OwnerID == "" {
			return nil, ErrInvalidArgument
		}
		f.OwnerID = scope.OwnerID
	}
	out, err := s.store.ListCalls(ctx, f.Normalized())
	if err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// Timeline returns the call's ledger in occurred order.
func (s *Service) Timeline(ctx context.Context, scope Scope, callID string) ([]calls.LogEntry, error) {
	if _, err := s.visibleCall(ctx, scope, callID); err != nil {
		return nil, err
	}
	out, err := s.store.ListLogs(ctx, callID)
	if err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// Recordings returns the recordings linked to the call, first attaching any
// unlinked ones that match its identifiers.
func (s *Service) Recordings(ctx context.Context, scope Scope, callID string) ([]calls.Recording, error) {
	c, err := s.visibleCall(ctx, scope, callID)
	if err != nil {
		return nil, err
	}
	s.linkArtifacts(ctx, c)
	out, err := s.store.ListRecordings(ctx, callID)
	if err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

func (s *Service) Transcripts(ctx context.Context, scope Scope, callID string) ([]calls.Transcript, error) {
	c, err := s.visibleCall(ctx, scope, callID)
	if err != nil {
		return nil, err
	}
	s.linkArtifacts(ctx, c)
	out, err := s.store.ListTranscripts(ctx, callID)
	if err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// Orphans lists parked ledger entries, oldest first.
func (s *Service) Orphans(ctx context.Context, limit int) ([]calls.LogEntry, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if limit > store.MaxListLimit {
		limit = store.MaxListLimit
	}
	out, err := s.store.ListOrphans(ctx, limit)
	if err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

func (s *Service) visibleCall(ctx context.Context, scope Scope, callID string) (calls.Call, error) {
	if callID == "" {
		return calls.Call{}, ErrInvalidArgument
	}
	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if !scope.allows(c) {
		return calls.Call{}, store.ErrNotFound
	}
	return c, nil
}

// linkArtifacts is best effort; a failure only means the read shows what is already linked.
func (s *Service) linkArtifacts(ctx context.Context, c calls.Call) {
	var n int
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		legs, err := tx.ListLegs(ctx, c.ID)
		if err != nil {
			return err
		}
		n, err = tx.LinkArtifacts(ctx, c.ID, calls.KeysFor(c, legs))
		return err
	})
	if err != nil {
		s.log.Warn("artifact link on read failed", "call_id", c.ID, "err", err)
		return
	}
	if n > 0 {
		s.log.Info("artifacts linked on read", "call_id", c.ID, "count", n)
	}
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
