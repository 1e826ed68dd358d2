package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telecom-callflow/internal/audit"
	"telecom-callflow/internal/auth"
	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/ingest"
	"telecom-callflow/internal/notify"
	"telecom-callflow/internal/query"
	"telecom-callflow/internal/rbac"
	"telecom-callflow/internal/reporting"
	"telecom-callflow/internal/store"
	"telecom-callflow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Query      *query.Service
	Reports    *reporting.Service
	Reconciler *ingest.Reconciler
	Hub        *notify.Hub
	Audit      *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a development-only endpoint; it is not routed in production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{UserID: req.UserID, WorkspaceID: req.WorkspaceID, Role: req.Role})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

func (h Handlers) ListCalls(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	scope := scopeFrom(c)
	f, err := parseCallFilter(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// owner_id narrows an unrestricted scope; scoped callers always see their own workspace.
	if scope.All {
		f.OwnerID = strings.TrimSpace(c.Query("owner_id"))
	}
	out, err := h.Query.ListCalls(c.Request.Context(), scope, f)
	if err != nil {
		h.fail(c, "list calls failed", err)
		return
	}
	f = f.Normalized()
	c.JSON(http.StatusOK, gin.H{"calls": out, "limit": f.Limit, "offset": f.Offset})
}

func (h Handlers) GetCall(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	out, err := h.Query.GetCall(c.Request.Context(), scopeFrom(c), c.Param("call_id"))
	if err != nil {
		h.fail(c, "get call failed", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) GetSession(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	ctx := c.Request.Context()
	scope := scopeFrom(c)
	sid := c.Param("session_id")

	call, err := h.Query.GetCallBySession(ctx, scope, sid)
	if err != nil {
		h.fail(c, "get session failed", err)
		return
	}
	sess, err := h.Query.GetSession(ctx, scope, sid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.fail(c, "get session failed", err)
		return
	}
	resp := gin.H{"call": call}
	if err == nil {
		resp["session"] = sess
	}
	c.JSON(http.StatusOK, resp)
}

func (h Handlers) CallEvents(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	out, err := h.Query.Timeline(c.Request.Context(), scopeFrom(c), c.Param("call_id"))
	if err != nil {
		h.fail(c, "call timeline failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h Handlers) CallRecordings(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	out, err := h.Query.Recordings(c.Request.Context(), scopeFrom(c), c.Param("call_id"))
	if err != nil {
		h.fail(c, "call recordings failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": out})
}

func (h Handlers) CallTranscripts(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	out, err := h.Query.Transcripts(c.Request.Context(), scopeFrom(c), c.Param("call_id"))
	if err != nil {
		h.fail(c, "call transcripts failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcripts": out})
}

// --- Reports ---

func (h Handlers) CallsSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	from, err := parseTime(c.Query("from"))
	if err != nil || from == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC3339 time"})
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be an RFC3339 time"})
		return
	}
	if to == nil {
		now := time.Now().UTC()
		to = &now
	}

	id := auth.IdentityFrom(c.Request.Context())
	req := reporting.CallsSummaryRequest{WorkspaceID: id.WorkspaceID, Range: reporting.TimeRange{From: *from, To: *to}}
	if rbac.IsSuperAdmin(id.Role) {
		if owner := strings.TrimSpace(c.Query("owner_id")); owner != "" {
			req.WorkspaceID = owner
		} else {
			req.AllWorkspaces = true
		}
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.fail(c, "calls summary failed", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Stream ---

// Stream upgrades to a websocket and pushes change records.
// Scoped callers only receive their workspace's calls.
func (h Handlers) Stream(c *gin.Context) {
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "stream not configured"})
		return
	}
	sub := notify.Subscription{SessionID: strings.TrimSpace(c.Query("session_id"))}
	if scope := scopeFrom(c); !scope.All {
		sub.OwnerID = scope.OwnerID
	}
	h.Hub.ServeWS(c.Writer, c.Request, sub)
}

// --- Admin: orphan bucket ---

func (h Handlers) ListOrphans(c *gin.Context) {
	if h.Query == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query not configured"})
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Query.Orphans(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, "list orphans failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphans": out})
}

type assignOrphanRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

// AssignOrphan attaches a parked event to a call by hand.
// RBAC: super_admin or ingest_operator.
func (h Handlers) AssignOrphan(c *gin.Context) {
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciler not configured"})
		return
	}
	var req assignOrphanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	id := auth.IdentityFrom(c.Request.Context())
	actor := ingest.Actor{WorkspaceID: id.WorkspaceID, UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}

	entry, err := h.Reconciler.AssignOrphan(c.Request.Context(), c.Param("event_id"), strings.TrimSpace(req.CallID), actor, req.Reason)
	if err != nil {
		h.fail(c, "assign orphan failed", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h Handlers) ReconcileOrphans(c *gin.Context) {
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciler not configured"})
		return
	}
	rep, err := h.Reconciler.ReconcileOrphans(c.Request.Context())
	if err != nil {
		h.fail(c, "reconcile orphans failed", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// ListAudit exposes the internal audit trail to operators.
func (h Handlers) ListAudit(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Audit.List(c.Request.Context(), audit.Filter{
		Type:    audit.EventType(strings.TrimSpace(c.Query("type"))),
		CallID:  strings.TrimSpace(c.Query("call_id")),
		EventID: strings.TrimSpace(c.Query("event_id")),
		Limit:   limit,
	})
	if err != nil {
		h.fail(c, "list audit failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h Handlers) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, query.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ingest.ErrNotOrphaned):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error(msg, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func scopeFrom(c *gin.Context) query.Scope {
	id := auth.IdentityFrom(c.Request.Context())
	if rbac.IsSuperAdmin(id.Role) {
		return query.Scope{All: true}
	}
	return query.Scope{OwnerID: id.WorkspaceID}
}

func parseCallFilter(c *gin.Context) (store.CallFilter, error) {
	var f store.CallFilter
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		for _, s := range strings.Split(v, ",") {
			st := calls.State(strings.TrimSpace(s))
			if !st.Valid() {
				return f, errors.New("unknown status " + strconv.Quote(s))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		return f, errors.New("from must be an RFC3339 time")
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		return f, errors.New("to must be an RFC3339 time")
	}
	if f.Limit, err = intQuery(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intQuery(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
