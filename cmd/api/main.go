package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telecom-callflow/internal/audit"
	"telecom-callflow/internal/auth"
	"telecom-callflow/internal/config"
	"telecom-callflow/internal/ingest"
	"telecom-callflow/internal/notify"
	"telecom-callflow/internal/query"
	"telecom-callflow/internal/reporting"
	"telecom-callflow/internal/store"
	"telecom-callflow/internal/telephony"
	"telecom-callflow/pkg/logger"
	"telecom-callflow/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Storage: postgres in every deployed environment, memory for local runs.
	var (
		st        store.Store
		auditRepo audit.Repository
		db        *sql.DB
	)
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		log.Warn("using in-memory store; nothing survives a restart")
		st = store.NewMemoryStore()
		auditRepo = audit.NewMemoryRepo()
	default:
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxOpenConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(rootCtx); err != nil {
			log.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		auditRepo = audit.NewPostgresRepo(db)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	hub := notify.NewHub(logger.Component(log, "stream"))
	notifier, err := buildNotifier(cfg.Notify, rdb, hub, logger.Component(log, "notify"))
	if err != nil {
		log.Error("notifier init failed", "err", err)
		os.Exit(1)
	}

	auditSvc := audit.NewService(auditRepo)

	var locker ingest.Locker = ingest.NewLocalLocker()
	if rdb != nil {
		locker = ingest.NewRedisLocker(rdb, ingest.RedisLockerOptions{TTL: cfg.Ingest.LockTTL})
	}

	pipeline := ingest.NewPipeline(ingest.Options{
		Store:    st,
		Locker:   locker,
		Owners:   ingest.StaticOwners(cfg.Ingest.ConnectionOwners),
		Notifier: notifier,
		Audit:    auditSvc,
		Logger:   logger.Component(log, "ingest"),
	})
	reconciler := ingest.NewReconciler(st, ingest.ReconcilerOptions{
		Interval: cfg.Ingest.ReconcileInterval,
		Batch:    cfg.Ingest.ReconcileBatch,
		Audit:    auditSvc,
		Notifier: notifier,
		Logger:   logger.Component(log, "reconciler"),
	})

	verifier, err := telephony.NewSignatureVerifier(cfg.Telnyx.PublicKey, cfg.Telnyx.SignatureTolerance)
	if err != nil {
		log.Error("webhook verifier init failed", "err", err)
		os.Exit(1)
	}
	if !verifier.Enabled() {
		log.Warn("webhook signature verification disabled")
	}

	deps := routeDeps{
		Env: cfg.App.Env,
		Webhook: telephony.CallEventsHandler{
			Ingestor:     pipeline,
			Verifier:     verifier,
			MaxBodyBytes: cfg.Telnyx.MaxBodyBytes,
		},
		Auth:       authManager,
		Query:      query.NewService(st, logger.Component(log, "query")),
		Reports:    reporting.NewService(reporting.NewStoreRepo(st)),
		Reconciler: reconciler,
		Hub:        hub,
		Audit:      auditSvc,
		DB:         db,
		Redis:      rdb,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	reconcileCtx, stopReconcile := context.WithCancel(rootCtx)
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconciler.Run(reconcileCtx)
	}()

	go func() {
		log.Info("api listening", "addr", srv.Addr, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Stream clients hold hijacked connections that Shutdown does not track.
	_ = hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	stopReconcile()
	<-reconcileDone

	// Let in-flight deliveries finish before the sinks go away.
	notifier.Wait()
	if err := notifier.Close(); err != nil {
		log.Error("notifier close failed", "err", err)
	}
}

// buildNotifier assembles the configured sinks. The websocket hub is always attached.
func buildNotifier(cfg config.NotifyConfig, rdb *redis.Client, hub *notify.Hub, log *slog.Logger) (*notify.Notifier, error) {
	pubs := []notify.Publisher{hub}
	if cfg.RedisPubSub && rdb != nil {
		pubs = append(pubs, notify.NewRedisPublisher(rdb))
	}
	if cfg.MQTT.Broker != "" {
		mq, err := notify.NewMQTTPublisher(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, mq)
	}
	if cfg.WebhookURL != "" {
		pubs = append(pubs, notify.NewWebhookPublisher(cfg.WebhookURL))
	}
	log.Info("notifier sinks configured", "count", len(pubs))
	return notify.New(notify.Options{TopicPrefix: cfg.TopicPrefix, Timeout: cfg.Timeout, Logger: log}, pubs...), nil
}
