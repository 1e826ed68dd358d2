package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
	"telecom-callflow/internal/store"
)

func seed(t *testing.T) (*store.MemoryStore, *Service) {
	t.Helper()
	st := store.NewMemoryStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := base.Add(d); return &v }

	err := st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, c := range []calls.Call{
			{ID: "c1", OwnerID: "ws-1", SessionID: "S1", CallControlID: "cc-1", Status: calls.StateEnded, CreatedAt: base},
			{ID: "c2", OwnerID: "ws-1", SessionID: "S2", Status: calls.StateAnswered, CreatedAt: base.Add(time.Hour)},
			{ID: "c3", OwnerID: "ws-2", SessionID: "S3", Status: calls.StateEnded, CreatedAt: base.Add(2 * time.Hour)},
		} {
			if err := tx.InsertCall(ctx, c); err != nil {
				return err
			}
		}
		if err := tx.SaveSession(ctx, calls.Session{SessionID: "S1", CallID: "c1", Status: calls.StateEnded}); err != nil {
			return err
		}
		if err := tx.SaveLeg(ctx, calls.Leg{LegID: "leg-1", CallID: "c1", CallControlID: "cc-1b"}); err != nil {
			return err
		}
		for _, e := range []calls.LogEntry{
			{ID: "l2", CallID: "c1", EventID: "e2", EventType: events.TypeCallHangup, OccurredAt: at(time.Minute), Outcome: calls.OutcomeApplied},
			{ID: "l1", CallID: "c1", EventID: "e1", EventType: events.TypeCallInitiated, OccurredAt: at(0), Outcome: calls.OutcomeApplied},
			{ID: "l3", EventID: "e3", EventType: events.TypeCallAnswered, Outcome: calls.OutcomeOrphaned, OrphanReason: calls.OrphanUncorrelated},
		} {
			e := e
			if err := tx.AppendLog(ctx, &e); err != nil {
				return err
			}
		}
		// Unlinked artifacts that belong to c1 through its leg's call-control id.
		if err := tx.SaveRecording(ctx, calls.Recording{ID: "rec-1", CallControlID: "cc-1b", EventID: "e4"}); err != nil {
			return err
		}
		return tx.SaveTranscript(ctx, calls.Transcript{ID: "tr-1", LegID: "leg-1", Text: "hi", EventID: "e5"})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return st, NewService(st, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestService_GetCallScoping(t *testing.T) {
	_, svc := seed(t)
	ctx := context.Background()

	d, err := svc.GetCall(ctx, Scope{OwnerID: "ws-1"}, "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ID != "c1" || len(d.Legs) != 1 {
		t.Fatalf("unexpected detail: %+v", d)
	}

	if _, err := svc.GetCall(ctx, Scope{OwnerID: "ws-2"}, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected other workspace to get not found, got %v", err)
	}
	if _, err := svc.GetCall(ctx, Scope{}, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected empty scope to see nothing, got %v", err)
	}
	if _, err := svc.GetCall(ctx, Scope{All: true}, "c3"); err != nil {
		t.Fatalf("expected unrestricted scope to see any call: %v", err)
	}
	if _, err := svc.GetCall(ctx, Scope{All: true}, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestService_SessionLookups(t *testing.T) {
	_, svc := seed(t)
	ctx := context.Background()

	c, err := svc.GetCallBySession(ctx, Scope{OwnerID: "ws-1"}, "S1")
	if err != nil || c.ID != "c1" {
		t.Fatalf("unexpected result: %+v %v", c, err)
	}
	if _, err := svc.GetCallBySession(ctx, Scope{OwnerID: "ws-1"}, "S3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for foreign session, got %v", err)
	}
	sess, err := svc.GetSession(ctx, Scope{OwnerID: "ws-1"}, "S1")
	if err != nil || sess.CallID != "c1" {
		t.Fatalf("unexpected session: %+v %v", sess, err)
	}
	if _, err := svc.GetSession(ctx, Scope{OwnerID: "ws-2"}, "S1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected session hidden from other workspace, got %v", err)
	}
}

func TestService_ListCallsForcesOwner(t *testing.T) {
	_, svc := seed(t)
	ctx := context.Background()

	got, err := svc.ListCalls(ctx, Scope{OwnerID: "ws-1"}, store.CallFilter{OwnerID: "ws-2"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("expected ws-1 calls newest first, got %+v", got)
	}

	got, _ = svc.ListCalls(ctx, Scope{All: true}, store.CallFilter{Statuses: []calls.State{calls.StateEnded}})
	if len(got) != 2 {
		t.Fatalf("expected 2 ended calls, got %d", len(got))
	}

	from := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	got, _ = svc.ListCalls(ctx, Scope{All: true}, store.CallFilter{From: &from, Limit: 1})
	if len(got) != 1 || got[0].ID != "c3" {
		t.Fatalf("expected newest call after from, got %+v", got)
	}

	to := from.Add(-time.Hour)
	if _, err := svc.ListCalls(ctx, Scope{All: true}, store.CallFilter{From: &from, To: &to}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected inverted range to be rejected, got %v", err)
	}
	if _, err := svc.ListCalls(ctx, Scope{All: true}, store.CallFilter{Statuses: []calls.State{"bogus"}}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
	if _, err := svc.ListCalls(ctx, Scope{}, store.CallFilter{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected scope without owner to be rejected, got %v", err)
	}
}

func TestService_TimelineOrderedByOccurrence(t *testing.T) {
	_, svc := seed(t)
	logs, err := svc.Timeline(context.Background(), Scope{OwnerID: "ws-1"}, "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(logs) != 2 || logs[0].EventID != "e1" || logs[1].EventID != "e2" {
		t.Fatalf("unexpected timeline: %+v", logs)
	}
	logs, _ = svc.Timeline(context.Background(), Scope{OwnerID: "ws-1"}, "c2")
	if logs == nil || len(logs) != 0 {
		t.Fatalf("expected empty non-nil timeline, got %#v", logs)
	}
}

func TestService_ArtifactsLinkedOnRead(t *testing.T) {
	st, svc := seed(t)
	ctx := context.Background()

	recs, err := svc.Recordings(ctx, Scope{OwnerID: "ws-1"}, "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "rec-1" || recs[0].CallID != "c1" {
		t.Fatalf("expected recording linked on read, got %+v", recs)
	}
	trs, err := svc.Transcripts(ctx, Scope{OwnerID: "ws-1"}, "c1")
	if err != nil || len(trs) != 1 || trs[0].Text != "hi" {
		t.Fatalf("unexpected transcripts: %+v %v", trs, err)
	}

	// The link is durable.
	if stored, _ := st.ListRecordings(ctx, "c1"); len(stored) != 1 {
		t.Fatalf("expected stored link, got %+v", stored)
	}
	if _, err := svc.Recordings(ctx, Scope{OwnerID: "ws-2"}, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for other workspace, got %v", err)
	}
}

func TestService_Orphans(t *testing.T) {
	_, svc := seed(t)
	out, err := svc.Orphans(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(out) != 1 || out[0].EventID != "e3" {
		t.Fatalf("unexpected orphans: %+v", out)
	}
}
