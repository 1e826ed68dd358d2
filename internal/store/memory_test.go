package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
)

func ts(sec int) *time.Time {
	t := time.Unix(1700000000+int64(sec), 0).UTC()
	return &t
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertCall(ctx, calls.Call{ID: "c1", SessionID: "S1", Status: calls.StateInitiating}); err != nil {
			return err
		}
		e := calls.LogEntry{ID: "l1", CallID: "c1", EventID: "e1", EventType: events.TypeCallInitiated}
		if err := tx.AppendLog(ctx, &e); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetCall(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected call to be rolled back, got %v", err)
	}
	if ok, _ := s.EventExists(ctx, "e1"); ok {
		t.Fatalf("expected ledger entry to be rolled back")
	}
}

func TestMemoryStore_AppendLogRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 2; i++ {
		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			e := calls.LogEntry{ID: "l", EventID: "e1", EventType: events.TypeCallAnswered}
			if err := tx.AppendLog(ctx, &e); err != nil {
				return err
			}
			seqs = append(seqs, e.Sequence)
			return nil
		})
		if i == 0 && err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if i == 1 && !errors.Is(err, ErrDuplicateEvent) {
			t.Fatalf("expected ErrDuplicateEvent, got %v", err)
		}
	}
	if len(seqs) != 1 || seqs[0] != 1 {
		t.Fatalf("expected one entry with sequence 1, got %v", seqs)
	}
}

func TestMemoryStore_UniqueSessionAndControlID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCall(ctx, calls.Call{ID: "a", SessionID: "S1", CallControlID: "cc-1"})
	})

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCall(ctx, calls.Call{ID: "b", SessionID: "S1"})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected session conflict, got %v", err)
	}
	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCall(ctx, calls.Call{ID: "b", CallControlID: "cc-1"})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected call control conflict, got %v", err)
	}
}

func TestMemoryStore_CallByControlIDFallsBackToLegs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertCall(ctx, calls.Call{ID: "c1", SessionID: "S1", CallControlID: "cc-a"}); err != nil {
			return err
		}
		return tx.SaveLeg(ctx, calls.Leg{LegID: "leg-b", CallID: "c1", CallControlID: "cc-b"})
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.CallByControlID(ctx, "cc-b")
		if err != nil || c.ID != "c1" {
			t.Fatalf("expected c1 via leg, got %+v %v", c, err)
		}
		c, err = tx.CallByLegID(ctx, "leg-b")
		if err != nil || c.ID != "c1" {
			t.Fatalf("expected c1 via leg id, got %+v %v", c, err)
		}
		if _, err := tx.CallByControlID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		return nil
	})
}

func TestMemoryStore_ListLogsOrdersByOccurredAtThenSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	entries := []calls.LogEntry{
		{ID: "1", CallID: "c1", EventID: "hangup", OccurredAt: ts(30)},
		{ID: "2", CallID: "c1", EventID: "initiated", OccurredAt: ts(0)},
		{ID: "3", CallID: "c1", EventID: "answered", OccurredAt: ts(10)},
		{ID: "4", CallID: "c1", EventID: "same-time", OccurredAt: ts(10)},
		{ID: "5", CallID: "other", EventID: "x", OccurredAt: ts(5)},
	}
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for i := range entries {
			if err := tx.AppendLog(ctx, &entries[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, _ := s.ListLogs(ctx, "c1")
	want := []string{"initiated", "answered", "same-time", "hangup"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].EventID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].EventID)
		}
	}
}

func TestMemoryStore_OrphansAndAssign(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertCall(ctx, calls.Call{ID: "c1", SessionID: "S1"}); err != nil {
			return err
		}
		o1 := calls.LogEntry{ID: "o1", EventID: "e-leg", Correlation: events.Correlation{LegID: "leg-9"}, Outcome: calls.OutcomeOrphaned, OrphanReason: calls.OrphanUncorrelated}
		o2 := calls.LogEntry{ID: "o2", EventID: "e-conflict", Correlation: events.Correlation{LegID: "leg-9"}, Outcome: calls.OutcomeConflict, OrphanReason: calls.OrphanConflict}
		if err := tx.AppendLog(ctx, &o1); err != nil {
			return err
		}
		return tx.AppendLog(ctx, &o2)
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	orphans, _ := s.ListOrphans(ctx, 10)
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphans, got %d", len(orphans))
	}
	page, _ := s.ListOrphansAfter(ctx, orphans[0].Sequence, 10)
	if len(page) != 1 || page[0].EventID != "e-conflict" {
		t.Fatalf("expected the page after the first orphan, got %+v", page)
	}
	if page, _ := s.ListOrphansAfter(ctx, orphans[1].Sequence, 10); len(page) != 0 {
		t.Fatalf("expected nothing after the last orphan, got %+v", page)
	}

	_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		matched, _ := tx.Orphans(ctx, calls.ArtifactKeys{LegIDs: []string{"leg-9"}})
		if len(matched) != 1 || matched[0].EventID != "e-leg" {
			t.Fatalf("expected only the uncorrelated orphan, got %+v", matched)
		}
		if none, _ := tx.Orphans(ctx, calls.ArtifactKeys{}); len(none) != 0 {
			t.Fatalf("empty keys must match nothing")
		}
		return nil
	})

	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AssignLog(ctx, "e-conflict", "c1")
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.AssignLog(ctx, "e-conflict", "c2")
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown call to be rejected, got %v", err)
	}

	logs, _ := s.ListLogs(ctx, "c1")
	if len(logs) != 1 || logs[0].EventID != "e-conflict" {
		t.Fatalf("expected assigned entry on c1 timeline, got %+v", logs)
	}
	orphans, _ = s.ListOrphans(ctx, 10)
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan left, got %d", len(orphans))
	}
}

func TestMemoryStore_SaveRecordingKeepsLinkAndLinkArtifacts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveRecording(ctx, calls.Recording{ID: "r1", CallID: "c1", EventID: "e1"}); err != nil {
			return err
		}
		// Re-delivery without a call link must not unlink.
		if err := tx.SaveRecording(ctx, calls.Recording{ID: "r1", EventID: "e1", Channels: "dual"}); err != nil {
			return err
		}
		if err := tx.SaveRecording(ctx, calls.Recording{ID: "r2", LegID: "leg-2", EventID: "e2"}); err != nil {
			return err
		}
		return tx.SaveTranscript(ctx, calls.Transcript{ID: "t1", SessionID: "S1", EventID: "e3", Text: "hi"})
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	recs, _ := s.ListRecordings(ctx, "c1")
	if len(recs) != 1 || recs[0].Channels != "dual" {
		t.Fatalf("expected r1 linked and updated, got %+v", recs)
	}

	var n int
	_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		n, err = tx.LinkArtifacts(ctx, "c1", calls.ArtifactKeys{SessionID: "S1", LegIDs: []string{"leg-2"}})
		return err
	})
	if n != 2 {
		t.Fatalf("expected 2 artifacts linked, got %d", n)
	}
	recs, _ = s.ListRecordings(ctx, "c1")
	trs, _ := s.ListTranscripts(ctx, "c1")
	if len(recs) != 2 || len(trs) != 1 {
		t.Fatalf("expected 2 recordings and 1 transcript, got %d %d", len(recs), len(trs))
	}
}

func TestMemoryStore_ListCallsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, c := range []calls.Call{
			{ID: "a", OwnerID: "w1", Status: calls.StateEnded, CreatedAt: *ts(0)},
			{ID: "b", OwnerID: "w1", Status: calls.StateAnswered, CreatedAt: *ts(10)},
			{ID: "c", OwnerID: "w2", Status: calls.StateEnded, CreatedAt: *ts(20)},
		} {
			if err := tx.InsertCall(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, _ := s.ListCalls(ctx, CallFilter{OwnerID: "w1"})
	if len(got) != 2 || got[0].ID != "b" {
		t.Fatalf("expected newest first for w1, got %+v", got)
	}
	got, _ = s.ListCalls(ctx, CallFilter{Statuses: []calls.State{calls.StateEnded}})
	if len(got) != 2 {
		t.Fatalf("expected 2 ended calls, got %d", len(got))
	}
	got, _ = s.ListCalls(ctx, CallFilter{From: ts(5), To: ts(20)})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only b in range, got %+v", got)
	}
	got, _ = s.ListCalls(ctx, CallFilter{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected paging to return b, got %+v", got)
	}
}
