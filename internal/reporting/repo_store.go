package reporting

import (
	"context"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/store"
)

// StoreRepo reads calls from the call store, paging through the full range.
type StoreRepo struct {
	reader store.Reader
}

func NewStoreRepo(r store.Reader) *StoreRepo { return &StoreRepo{reader: r} }

func (r *StoreRepo) ListCalls(ctx context.Context, workspaceID string, from, to time.Time) ([]calls.Call, error) {
	f := store.CallFilter{OwnerID: workspaceID, From: &from, To: &to, Limit: store.MaxListLimit}
	var out []calls.Call
	for {
		page, err := r.reader.ListCalls(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < f.Limit {
			return out, nil
		}
		f.Offset += len(page)
	}
}
