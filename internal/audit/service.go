package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// There are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Lister is implemented by repositories that can be read back by operators.
type Lister interface {
	List(ctx context.Context, f Filter) ([]Event, error)
}

var ErrNotListable = errors.New("audit: repository cannot list events")

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.WorkspaceID == "" && e.CallID == "" && e.EventID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// List reads events back for operators, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	l, ok := s.repo.(Lister)
	if !ok {
		return nil, ErrNotListable
	}
	out, err := l.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

// LogCorrelationConflict records an event that was parked because its identifiers
// resolved to more than one call.
func (s *Service) LogCorrelationConflict(ctx context.Context, eventID string, callIDs []string, details map[string]string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeCorrelationConflict,
		EventID:  eventID,
		Message:  "event identifiers resolve to different calls",
		Metadata: metadataJSON(map[string]any{"call_ids": callIDs, "correlation": details}),
	})
}

// LogOrphanAssigned records an operator attaching an orphaned ledger entry to a call.
func (s *Service) LogOrphanAssigned(ctx context.Context, workspaceID, actorUserID, actorRole, ip, eventID, callID, reason string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeOrphanAssigned,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallID:      callID,
		EventID:     eventID,
		Message:     "orphan assigned",
		Metadata:    metadataJSON(map[string]any{"reason": reason}),
	})
}

// LogOrphansReconciled records a reconciliation sweep that relinked entries to a call.
func (s *Service) LogOrphansReconciled(ctx context.Context, callID string, eventIDs []string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeOrphansReconciled,
		CallID:   callID,
		Message:  "orphans reconciled",
		Metadata: metadataJSON(map[string]any{"event_ids": eventIDs}),
	})
}

func metadataJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
