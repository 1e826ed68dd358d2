package main

import (
	"database/sql"
	"net/http"
	"time"

	"telecom-callflow/internal/audit"
	"telecom-callflow/internal/auth"
	"telecom-callflow/internal/httpapi"
	"telecom-callflow/internal/ingest"
	"telecom-callflow/internal/notify"
	"telecom-callflow/internal/query"
	"telecom-callflow/internal/rbac"
	"telecom-callflow/internal/reporting"
	"telecom-callflow/internal/telephony"
	"telecom-callflow/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// routeDeps carries everything the routes need; built once in main.
type routeDeps struct {
	Env        string
	Webhook    telephony.CallEventsHandler
	Auth       *auth.Manager
	Query      *query.Service
	Reports    *reporting.Service
	Reconciler *ingest.Reconciler
	Hub        *notify.Hub
	Audit      *audit.Service

	// Optional; only probed by /readyz.
	DB    *sql.DB
	Redis *redis.Client
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx := c.Request.Context()
		if d.DB != nil {
			if err := utils.HealthCheck(ctx, d.DB, 2*time.Second); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unavailable"})
				return
			}
		}
		if d.Redis != nil {
			if err := d.Redis.Ping(ctx).Err(); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signature checked by the handler).
	r.POST("/webhooks/telnyx/call-events", d.Webhook.Handle)

	h := httpapi.Handlers{
		Auth:       d.Auth,
		Query:      d.Query,
		Reports:    d.Reports,
		Reconciler: d.Reconciler,
		Hub:        d.Hub,
		Audit:      d.Audit,
	}

	// Token issuance without credentials is a local convenience only.
	if d.Env == "local" || d.Env == "dev" {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.Auth))
	{
		v1.GET("/me", func(c *gin.Context) {
			id := auth.IdentityFrom(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "workspace_id": id.WorkspaceID, "role": id.Role})
		})

		// CALLS routes
		calls := v1.Group("/calls")
		calls.Use(rbac.Require(rbac.CallReaders...)...)
		{
			calls.GET("", h.ListCalls)
			calls.GET("/:call_id", h.GetCall)
			calls.GET("/:call_id/events", h.CallEvents)
			calls.GET("/:call_id/recordings", h.CallRecordings)
			calls.GET("/:call_id/transcripts", h.CallTranscripts)
		}

		// Websocket change records; the token may arrive as ?access_token= on the upgrade.
		v1.GET("/stream", append(rbac.Require(rbac.CallReaders...), h.Stream)...)

		sessions := v1.Group("/sessions")
		sessions.Use(rbac.Require(rbac.CallReaders...)...)
		{
			sessions.GET("/:session_id", h.GetSession)
		}

		reports := v1.Group("/reports")
		reports.Use(rbac.Require(rbac.RoleOwner, rbac.RoleAnalyst)...)
		{
			reports.GET("/calls-summary", h.CallsSummary)
		}

		// ADMIN routes
		// super_admin always passes; the hidden ingest_operator role only reaches the orphan bucket.
		admin := v1.Group("/admin")
		admin.Use(rbac.Require(rbac.RoleIngestOperator)...)
		{
			admin.GET("/orphans", h.ListOrphans)
			admin.POST("/orphans/reconcile", h.ReconcileOrphans)
			admin.POST("/orphans/:event_id/assign", h.AssignOrphan)
			admin.GET("/audit", h.ListAudit)
		}
	}
}
