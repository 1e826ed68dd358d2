package reporting

import (
	"context"
	"errors"
	"time"

	"telecom-callflow/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - An empty workspaceID means every workspace; the service only passes one for unrestricted callers.
// - from is inclusive, to is exclusive, both on call creation time.
type Repository interface {
	ListCalls(ctx context.Context, workspaceID string, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.WorkspaceID == "" && !req.AllWorkspaces {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	workspaceID := req.WorkspaceID
	if req.AllWorkspaces {
		workspaceID = ""
	}
	rows, err := s.repo.ListCalls(ctx, workspaceID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{WorkspaceID: workspaceID, Range: req.Range}
	withDuration := 0
	for _, c := range rows {
		out.TotalCalls++
		if d, ok := c.Duration(); ok {
			out.TotalDurationSeconds += d
			withDuration++
		}
		if c.AnsweredAt != nil {
			out.ConnectedCalls++
		}
		if c.RecordingID != "" {
			out.RecordedCalls++
		}
		if c.TranscriptID != "" {
			out.TranscribedCalls++
		}
		switch c.Status {
		case calls.StateInitiating:
			out.InitiatingCalls++
		case calls.StateRinging:
			out.RingingCalls++
		case calls.StateAnswered:
			out.AnsweredCalls++
		case calls.StateInProgress:
			out.InProgressCalls++
		case calls.StateEnded:
			out.EndedCalls++
		case calls.StateFailed:
			out.FailedCalls++
		}
	}
	if withDuration > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / withDuration
	}
	if out.TotalCalls > 0 {
		out.ConnectionRate = float64(out.ConnectedCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
