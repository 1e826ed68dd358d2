package ingest

import (
	"context"
	"strings"
)

// OwnerResolver maps a provider connection id to the workspace that owns calls on it.
type OwnerResolver interface {
	OwnerFor(ctx context.Context, connectionID string) string
}

// StaticOwners is a fixed connection id -> workspace id table.
type StaticOwners map[string]string

func (s StaticOwners) OwnerFor(_ context.Context, connectionID string) string {
	return s[strings.TrimSpace(connectionID)]
}
