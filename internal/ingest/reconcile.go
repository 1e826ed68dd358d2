package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
	"telecom-callflow/internal/notify"
	"telecom-callflow/internal/store"
)

var ErrNotOrphaned = errors.New("ingest: event is not orphaned")

const (
	DefaultReconcileInterval = time.Minute
	defaultReconcileBatch    = 500
)

// ReconcilerOptions configures a Reconciler. Batch is the page size used to walk the orphan bucket.
type ReconcilerOptions struct {
	Interval time.Duration
	Batch    int
	Audit    Auditor
	Notifier Notifier
	Logger   *slog.Logger
}

// Reconciler attaches orphaned ledger entries to calls once their identifiers resolve.
//
// An attached entry is replayed onto its call. The state machine rejects regressions,
// so a replay only fills in what the call is still missing.
type Reconciler struct {
	store    store.Store
	interval time.Duration
	batch    int
	audit    Auditor
	notifier Notifier
	log      *slog.Logger
	clock    func() time.Time
}

func NewReconciler(st store.Store, opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		store:    st,
		interval: opts.Interval,
		batch:    opts.Batch,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		log:      opts.Logger,
		clock:    time.Now,
	}
	if r.interval <= 0 {
		r.interval = DefaultReconcileInterval
	}
	if r.batch <= 0 {
		r.batch = defaultReconcileBatch
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Report summarizes one reconciliation sweep.
type Report struct {
	Scanned   int      `json:"scanned"`
	Linked    int      `json:"linked"`
	Artifacts int      `json:"artifacts"`
	Conflicts int      `json:"conflicts"`
	EventIDs  []string `json:"event_ids,omitempty"`
}

// Run sweeps on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := r.ReconcileOrphans(ctx)
			if err != nil {
				r.log.Error("orphan reconciliation failed", "err", err)
				continue
			}
			if rep.Linked > 0 || rep.Artifacts > 0 {
				r.log.Info("orphans reconciled", "scanned", rep.Scanned, "linked", rep.Linked, "artifacts", rep.Artifacts)
			}
		}
	}
}

// ReconcileOrphans walks the whole orphan bucket page by page and re-resolves parked
// uncorrelated entries. Conflicted entries are left for operators.
func (r *Reconciler) ReconcileOrphans(ctx context.Context) (Report, error) {
	var rep Report
	byCall := map[string][]string{}
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		page, err := r.store.ListOrphansAfter(ctx, after, r.batch)
		if err != nil {
			return rep, err
		}
		for _, o := range page {
			after = o.Sequence
			rep.Scanned++
			if o.OrphanReason != calls.OrphanUncorrelated {
				rep.Conflicts++
				continue
			}
			if !o.Correlation.HasAggregateKey() {
				// Nothing to resolve by until an operator assigns it.
				continue
			}
			callID, artifacts, err := r.reconcileOne(ctx, o)
			var conflict *ConflictError
			switch {
			case errors.As(err, &conflict):
				rep.Conflicts++
				continue
			case errors.Is(err, store.ErrConflict):
				// Linked concurrently by the pipeline.
				continue
			case err != nil:
				return rep, fmt.Errorf("reconcile %s: %w", o.EventID, err)
			}
			if callID == "" {
				continue
			}
			rep.Linked++
			rep.Artifacts += artifacts
			rep.EventIDs = append(rep.EventIDs, o.EventID)
			byCall[callID] = append(byCall[callID], o.EventID)
		}
		if len(page) < r.batch {
			break
		}
	}

	if r.audit != nil {
		for callID, ids := range byCall {
			if err := r.audit.LogOrphansReconciled(ctx, callID, ids); err != nil {
				r.log.Error("audit append failed", "err", err)
			}
		}
	}
	return rep, nil
}

// reconcileOne links o to the call its identifiers resolve to and replays it.
// An empty call id means nothing matched yet.
func (r *Reconciler) reconcileOne(ctx context.Context, o calls.LogEntry) (string, int, error) {
	var (
		callID    string
		artifacts int
		change    *replayed
	)
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		call, found, err := resolve(ctx, tx, o.Correlation)
		if err != nil || !found {
			return err
		}
		if err := tx.AssignLog(ctx, o.EventID, call.ID); err != nil {
			return err
		}
		if artifacts, err = tx.LinkArtifacts(ctx, call.ID, correlationKeys(o)); err != nil {
			return err
		}
		if change, err = r.replayOnto(ctx, tx, call, o); err != nil {
			return err
		}
		callID = call.ID
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	r.notify(change)
	return callID, artifacts, nil
}

// replayed carries what a committed replay needs to publish.
type replayed struct {
	call calls.Call
	prev calls.State
	ev   events.Event
}

// replayOnto applies entry to call inside tx and saves the call when it changed.
func (r *Reconciler) replayOnto(ctx context.Context, tx store.Tx, call calls.Call, entry calls.LogEntry) (*replayed, error) {
	now := r.clock().UTC()
	prev := call.Status
	changed, err := replay(ctx, tx, &call, []calls.LogEntry{entry}, now)
	if err != nil || !changed {
		return nil, err
	}
	if err := tx.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("save call: %w", err)
	}
	if err := saveSession(ctx, tx, call, now); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &replayed{call: call, prev: prev, ev: eventFromLog(entry)}, nil
}

func (r *Reconciler) notify(change *replayed) {
	if change == nil || r.notifier == nil {
		return
	}
	r.notifier.Notify(notify.RecordFor(change.call, change.prev, change.ev))
}

// Actor identifies the operator behind a manual assignment.
type Actor struct {
	WorkspaceID string
	UserID      string
	Role        string
	IP          string
}

// AssignOrphan attaches an orphaned ledger entry to callID by hand.
// It returns store.ErrNotFound for unknown events or calls and ErrNotOrphaned when
// the entry already belongs to a different call.
func (r *Reconciler) AssignOrphan(ctx context.Context, eventID, callID string, actor Actor, reason string) (calls.LogEntry, error) {
	var (
		entry  calls.LogEntry
		change *replayed
	)
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetLog(ctx, eventID)
		if err != nil {
			return err
		}
		if !e.Orphaned() {
			if e.CallID == callID {
				entry = e
				return nil
			}
			return ErrNotOrphaned
		}
		if err := tx.AssignLog(ctx, eventID, callID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrNotOrphaned
			}
			return err
		}
		if _, err := tx.LinkArtifacts(ctx, callID, correlationKeys(e)); err != nil {
			return err
		}
		call, err := tx.GetCall(ctx, callID)
		if err != nil {
			return err
		}
		if change, err = r.replayOnto(ctx, tx, call, e); err != nil {
			return err
		}
		e.CallID = callID
		entry = e
		return nil
	})
	if err != nil {
		return calls.LogEntry{}, err
	}
	r.notify(change)

	r.log.Info("orphan assigned", "event_id", eventID, "call_id", callID, "actor", actor.UserID)
	if r.audit != nil {
		if err := r.audit.LogOrphanAssigned(ctx, actor.WorkspaceID, actor.UserID, actor.Role, actor.IP, eventID, callID, reason); err != nil {
			r.log.Error("audit append failed", "err", err)
		}
	}
	return entry, nil
}

func correlationKeys(e calls.LogEntry) calls.ArtifactKeys {
	k := calls.ArtifactKeys{SessionID: e.Correlation.SessionID}
	if e.Correlation.CallControlID != "" {
		k.CallControlIDs = []string{e.Correlation.CallControlID}
	}
	if e.Correlation.LegID != "" {
		k.LegIDs = []string{e.Correlation.LegID}
	}
	return k
}
