package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

var (
	ErrTokenType     = errors.New("auth: token_type mismatch")
	ErrMissingClaims = errors.New("auth: required claim missing")
)

// Claims carry the caller identity for the query API.
// Every token names a workspace, including super_admin ones; RBAC decides what that workspace scopes.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, WorkspaceID: c.WorkspaceID, Role: c.Role}
}

// check validates the service-specific claims. Refresh tokens carry no role.
func (c Claims) check(expected TokenType) error {
	if c.TokenType != expected {
		return ErrTokenType
	}
	if c.UserID == "" || c.WorkspaceID == "" {
		return ErrMissingClaims
	}
	if expected == TokenTypeAccess && c.Role == "" {
		return ErrMissingClaims
	}
	return nil
}
