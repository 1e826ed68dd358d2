package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 25 || got.MaxIdleConns != 25 {
		t.Fatalf("unexpected pool sizes: %+v", got)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("expected 5s ping timeout, got %s", got.PingTimeout)
	}

	custom := PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 10, PingTimeout: time.Second}.withDefaults()
	if custom.MaxOpenConns != 4 || custom.PingTimeout != time.Second {
		t.Fatalf("explicit values must be kept: %+v", custom)
	}
	if custom.MaxIdleConns != 4 {
		t.Fatalf("idle conns must not exceed open conns, got %d", custom.MaxIdleConns)
	}
}

func TestPgErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(unique) || IsTxRetryable(unique) {
		t.Fatalf("unexpected classification for unique violation")
	}
	for _, code := range []string{"40001", "40P01"} {
		err := fmt.Errorf("update: %w", &pgconn.PgError{Code: code})
		if !IsTxRetryable(err) || IsUniqueViolation(err) {
			t.Fatalf("unexpected classification for %s", code)
		}
	}
	if IsUniqueViolation(errors.New("x")) || IsUniqueViolation(nil) || IsTxRetryable(nil) {
		t.Fatalf("non-postgres errors must not classify")
	}
}
