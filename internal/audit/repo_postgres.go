package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresRepo appends to the audit_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, workspace_id, type, actor_user_id, actor_role, ip_address, call_id, event_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.WorkspaceID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.CallID,
		e.EventID,
		e.Message,
		metadata,
		e.CreatedAt,
	)
	return err
}

// List returns matching events, newest first.
func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	q, args := listQuery(f.normalized())
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			typ      string
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &typ, &e.ActorUserID, &e.ActorRole, &e.IPAddress,
			&e.CallID, &e.EventID, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func listQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("type", string(f.Type))
	add("call_id", f.CallID)
	add("event_id", f.EventID)

	var b strings.Builder
	b.WriteString(`SELECT id, workspace_id, type, actor_user_id, actor_role, ip_address, call_id, event_id, message, metadata::text, created_at FROM audit_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, f.Limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}
