package reporting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/store"
)

func intp(v int) *int { return &v }

func TestReporting_WorkspaceIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	repo.Calls = []calls.Call{
		{ID: "c1", OwnerID: "w1", Status: calls.StateEnded, DurationSeconds: intp(30), CreatedAt: now},
		{ID: "c2", OwnerID: "w2", Status: calls.StateEnded, DurationSeconds: intp(50), CreatedAt: now},
	}
	svc := NewService(repo)
	rng := TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{WorkspaceID: "w1", Range: rng})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.TotalDurationSeconds != 30 {
		t.Fatalf("expected only w1 calls, got %+v", out)
	}

	out, err = svc.CallsSummary(context.Background(), CallsSummaryRequest{WorkspaceID: "w1", AllWorkspaces: true, Range: rng})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 2 {
		t.Fatalf("expected every workspace, got %d", out.TotalCalls)
	}
}

func TestReporting_CallsSummaryAggregates(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	answered := now.Add(5 * time.Second)
	ended := now.Add(65 * time.Second)
	repo.Calls = []calls.Call{
		{ID: "c1", OwnerID: "w", Status: calls.StateEnded, AnsweredAt: &answered, DurationSeconds: intp(40), RecordingID: "r1", CreatedAt: now},
		{ID: "c2", OwnerID: "w", Status: calls.StateEnded, AnsweredAt: &answered, EndedAt: &ended, TranscriptID: "t1", CreatedAt: now},
		{ID: "c3", OwnerID: "w", Status: calls.StateFailed, CreatedAt: now},
		{ID: "c4", OwnerID: "w", Status: calls.StateRinging, CreatedAt: now},
		{ID: "c5", OwnerID: "w", Status: calls.StateEnded, CreatedAt: now.Add(-2 * time.Hour)},
	}
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{WorkspaceID: "w", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 4 || out.EndedCalls != 2 || out.FailedCalls != 1 || out.RingingCalls != 1 {
		t.Fatalf("unexpected state counts: %+v", out)
	}
	if out.TotalDurationSeconds != 100 || out.AverageDurationSeconds != 50 {
		t.Fatalf("expected duration 100/50, got %d/%d", out.TotalDurationSeconds, out.AverageDurationSeconds)
	}
	if out.RecordedCalls != 1 || out.TranscribedCalls != 1 || out.ConnectedCalls != 2 {
		t.Fatalf("unexpected artifact counts: %+v", out)
	}
	if out.ConnectionRate != 0.5 {
		t.Fatalf("expected connection rate 0.5, got %v", out.ConnectionRate)
	}
}

func TestReporting_InvalidRequests(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	now := time.Now()
	cases := []CallsSummaryRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{WorkspaceID: "w"},
		{WorkspaceID: "w", Range: TimeRange{From: now, To: now}},
	}
	for _, req := range cases {
		if _, err := svc.CallsSummary(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}

func TestStoreRepo_PagesThroughRange(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	err := st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < store.MaxListLimit+3; i++ {
			c := calls.Call{ID: fmt.Sprintf("c%d", i), OwnerID: "w", Status: calls.StateEnded, CreatedAt: now.Add(time.Duration(i) * time.Millisecond)}
			if err := tx.InsertCall(ctx, c); err != nil {
				return err
			}
		}
		return tx.InsertCall(ctx, calls.Call{ID: "other", OwnerID: "w2", Status: calls.StateEnded, CreatedAt: now})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := NewStoreRepo(st).ListCalls(context.Background(), "w", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out) != store.MaxListLimit+3 {
		t.Fatalf("expected every call across pages, got %d", len(out))
	}
}
