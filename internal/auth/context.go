package auth

import (
	"context"
	"errors"
)

// Identity is the caller as established by RequireAccessToken.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, userID, workspaceID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, WorkspaceID: workspaceID, Role: role})
}

// IdentityFrom returns whatever identity is in ctx; missing fields are empty.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}

func UserID(ctx context.Context) (string, error) {
	if v := IdentityFrom(ctx).UserID; v != "" {
		return v, nil
	}
	return "", errors.New("user_id not in context")
}

func WorkspaceID(ctx context.Context) (string, error) {
	if v := IdentityFrom(ctx).WorkspaceID; v != "" {
		return v, nil
	}
	return "", errors.New("workspace_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if v := IdentityFrom(ctx).Role; v != "" {
		return v, nil
	}
	return "", errors.New("role not in context")
}
