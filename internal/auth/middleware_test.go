package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telecom-callflow/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	pair, err := m.IssuePair(time.Now(), Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: "owner"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		ws, _ := WorkspaceID(c.Request.Context())
		c.String(http.StatusOK, ws)
	})
	return r, pair.AccessToken
}

func TestRequireAccessToken_Header(t *testing.T) {
	r, tok := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ws-1" {
		t.Fatalf("expected 200 ws-1, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestRequireAccessToken_QueryOnlyOnUpgrade(t *testing.T) {
	r, tok := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?access_token="+tok, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected query token to be ignored on plain requests, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x?access_token="+tok, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected query token on upgrade, got %d", w.Code)
	}
}
