package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/events"
	"telecom-callflow/internal/store"
)

// ErrCorrelationConflict marks an event whose identifiers point at different existing calls.
var ErrCorrelationConflict = errors.New("ingest: correlation conflict")

// ConflictError lists the calls an event's identifiers resolved to.
type ConflictError struct {
	CallIDs []string
	// By maps the identifier kind ("session", "call_control", "leg") to the call it matched.
	By map[string]string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ingest: correlation conflict between calls %s", strings.Join(e.CallIDs, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrCorrelationConflict }

// resolve finds the call an event belongs to.
//
// Lookups go session -> call control id -> leg id. found is false when nothing matches.
// When the identifiers match more than one call a *ConflictError is returned and no call is picked.
func resolve(ctx context.Context, tx store.Tx, c events.Correlation) (call calls.Call, found bool, err error) {
	lookups := []struct {
		kind string
		id   string
		fn   func(context.Context, string) (calls.Call, error)
	}{
		{"session", c.SessionID, tx.CallBySession},
		{"call_control", c.CallControlID, tx.CallByControlID},
		{"leg", c.LegID, tx.CallByLegID},
	}

	by := map[string]string{}
	var ids []string
	for _, l := range lookups {
		if l.id == "" {
			continue
		}
		got, err := l.fn(ctx, l.id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return calls.Call{}, false, fmt.Errorf("resolve by %s: %w", l.kind, err)
		}
		by[l.kind] = got.ID
		if !found {
			call, found = got, true
			ids = append(ids, got.ID)
			continue
		}
		if got.ID != call.ID && !contains(ids, got.ID) {
			ids = append(ids, got.ID)
		}
	}
	if len(ids) > 1 {
		return calls.Call{}, false, &ConflictError{CallIDs: ids, By: by}
	}
	return call, found, nil
}

// artifactKeys returns the identifiers of c as seen inside tx.
func artifactKeys(ctx context.Context, tx store.Tx, c calls.Call) (calls.ArtifactKeys, error) {
	legs, err := tx.ListLegs(ctx, c.ID)
	if err != nil {
		return calls.ArtifactKeys{SessionID: c.SessionID}, err
	}
	return calls.KeysFor(c, legs), nil
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
