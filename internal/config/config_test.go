package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:  AppConfig{Env: "local", Port: 8080},
		DB:   DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callflow"},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "APP_PORT", "DB_HOST", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_ProductionRequiresSSLModeAndWebhookKey(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") || !strings.Contains(err.Error(), "TELNYX_PUBLIC_KEY") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Store.Backend != StoreBackendPostgres {
		t.Fatalf("expected postgres backend default, got %q", c.Store.Backend)
	}
	if c.Notify.TopicPrefix != "callflow" || c.Notify.Timeout != 2*time.Second {
		t.Fatalf("unexpected notify defaults: %+v", c.Notify)
	}
	if c.Ingest.ReconcileInterval != time.Minute || c.Ingest.LockTTL != 30*time.Second || c.Ingest.ReconcileBatch != 500 {
		t.Fatalf("unexpected ingest defaults: %+v", c.Ingest)
	}
	if c.Telnyx.MaxBodyBytes != 1<<20 || c.Telnyx.SignatureTolerance != 5*time.Minute {
		t.Fatalf("unexpected telnyx defaults: %+v", c.Telnyx)
	}
}

func TestValidate_MemoryBackend(t *testing.T) {
	c := Config{App: AppConfig{Env: "dev", Port: 8080}, Store: StoreConfig{Backend: StoreBackendMemory}, Auth: AuthConfig{JWTSecret: "s"}}
	if err := c.Validate(); err != nil {
		t.Fatalf("memory backend should not need DB settings, got %v", err)
	}
	c.App.Env = "production"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Fatalf("expected memory backend to be refused in production, got %v", err)
	}
}

func TestValidate_RedisPubSubNeedsRedis(t *testing.T) {
	c := validLocal()
	c.Notify.RedisPubSub = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error without REDIS_HOST")
	}
	c.Redis = RedisConfig{Host: "localhost", Port: 6379}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestParseOwners(t *testing.T) {
	got, err := ParseOwners(" conn-1=ws-1, conn-2 = ws-2 ,")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got["conn-1"] != "ws-1" || got["conn-2"] != "ws-2" || len(got) != 2 {
		t.Fatalf("unexpected owners: %v", got)
	}
	if _, err := ParseOwners("conn-1,=ws"); err == nil {
		t.Fatalf("expected invalid entries to be reported")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callflow.yaml")
	doc := `
app:
  env: dev
  port: 9000
store:
  backend: memory
auth:
  jwt_secret: from-file
notify:
  topic_prefix: telco
  timeout: 3s
  mqtt:
    broker: tcp://localhost:1883
ingest:
  reconcile_interval: 30s
  connection_owners:
    conn-1: ws-1
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("APP_PORT", "9100")
	t.Setenv("INGEST_CONNECTION_OWNERS", "conn-2=ws-2")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.App.Env != "dev" || c.App.Port != 9100 {
		t.Fatalf("expected env to override file, got %+v", c.App)
	}
	if c.Auth.JWTSecret != "from-file" || c.Notify.TopicPrefix != "telco" || c.Notify.Timeout != 3*time.Second {
		t.Fatalf("expected file values, got %+v %+v", c.Auth, c.Notify)
	}
	if c.Notify.MQTT.ClientID != "telecom-callflow" {
		t.Fatalf("expected mqtt client id default, got %q", c.Notify.MQTT.ClientID)
	}
	if c.Ingest.ReconcileInterval != 30*time.Second || c.Ingest.ConnectionOwners["conn-2"] != "ws-2" || len(c.Ingest.ConnectionOwners) != 1 {
		t.Fatalf("unexpected ingest config: %+v", c.Ingest)
	}
}

func TestLoad_ReportsParseErrors(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("NOTIFY_TIMEOUT", "soon")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "NOTIFY_TIMEOUT") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}
