package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// stubPoolDeps shrinks the retry knobs for tests and restores the package
// state on cleanup. newFn of nil keeps the real pgxpool constructor.
func stubPoolDeps(t *testing.T, newFn func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)) {
	t.Helper()
	origRetries := postgresConnectRetries
	origDelay := postgresRetryDelay
	origPingTimeout := postgresPingTimeout
	origSleep := postgresSleep
	origNew := pgxPoolNewWithConfig
	t.Cleanup(func() {
		postgresConnectRetries = origRetries
		postgresRetryDelay = origDelay
		postgresPingTimeout = origPingTimeout
		postgresSleep = origSleep
		pgxPoolNewWithConfig = origNew
	})
	postgresConnectRetries = 1
	postgresRetryDelay = 0
	postgresPingTimeout = 50 * time.Millisecond
	postgresSleep = func(time.Duration) {}
	if newFn != nil {
		pgxPoolNewWithConfig = newFn
	}
}

// capturePoolConfig installs a constructor that records the config it was
// handed and then fails, so NewPostgresPool never opens a real connection.
func capturePoolConfig(t *testing.T) *pgxpool.Config {
	t.Helper()
	captured := &pgxpool.Config{}
	stubPoolDeps(t, func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		*captured = *cfg
		return nil, errors.New("constructor stubbed out")
	})
	return captured
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "verify_full_allowed",
			url:     "postgres://u:p@db:5432/luceron?sslmode=verify-full",
			wantErr: false,
		},
		{
			name:    "require_allowed",
			url:     "postgres://u:p@db:5432/luceron?sslmode=require",
			wantErr: false,
		},
		{
			name:    "prefer_denied",
			url:     "postgres://u:p@db:5432/luceron?sslmode=prefer",
			wantErr: true,
		},
		{
			name:    "missing_sslmode_denied",
			url:     "postgres://u:p@db:5432/luceron",
			wantErr: true,
		},
		{
			name:    "invalid_url_denied",
			url:     "://bad",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %q", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.url, err)
			}
		})
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "://bad")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}

	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/luceron?sslmode=disable")
	_, err := NewPostgresPool(context.Background())
	if err == nil {
		t.Fatal("expected tls enforcement error")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected insecure transport error, got %v", err)
	}
}

func TestRequiresSecureTransportVariants(t *testing.T) {
	for raw, want := range map[string]bool{"true": true, "1": true, "yes": true, "off": false, "": false} {
		t.Setenv("TRANSPORT_REQ", raw)
		if got := requiresSecureTransport("TRANSPORT_REQ"); got != want {
			t.Errorf("requiresSecureTransport(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestPositiveIntEnv(t *testing.T) {
	for raw, want := range map[string]int{"": 0, "abc": 0, "-5": 0, "0": 0, "15000": 15000} {
		t.Setenv("POOL_KNOB", raw)
		if got := positiveIntEnv("POOL_KNOB"); got != want {
			t.Errorf("positiveIntEnv(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestNewPostgresPoolRetryExhaustedPing(t *testing.T) {
	stubPoolDeps(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@"+addr+"/luceron?sslmode=disable")
	_, err = NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
}

func TestNewPostgresPoolNewWithConfigError(t *testing.T) {
	stubPoolDeps(t, func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		return nil, errors.New("boom")
	})

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/luceron?sslmode=disable")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected wrapped retry error, got %v", err)
	}
}

func TestNewPostgresPoolConfiguresRuntime(t *testing.T) {
	cfg := capturePoolConfig(t)

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/luceron?sslmode=disable")
	t.Setenv("DB_STATEMENT_TIMEOUT_MS", "15000")
	t.Setenv("DB_MAX_CONNS", "25")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected error from stubbed constructor")
	}

	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "luceron-gateway" {
		t.Fatalf("application_name = %q", got)
	}
	if got := cfg.ConnConfig.RuntimeParams["statement_timeout"]; got != "15000" {
		t.Fatalf("statement_timeout = %q", got)
	}
	if cfg.MaxConns != 25 {
		t.Fatalf("MaxConns = %d, want 25", cfg.MaxConns)
	}
}

func TestNewPostgresPoolDefaultsWithoutKnobs(t *testing.T) {
	cfg := capturePoolConfig(t)

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/luceron?sslmode=disable")
	t.Setenv("DB_STATEMENT_TIMEOUT_MS", "")
	t.Setenv("DB_MAX_CONNS", "")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected error from stubbed constructor")
	}

	if _, ok := cfg.ConnConfig.RuntimeParams["statement_timeout"]; ok {
		t.Fatal("statement_timeout set without DB_STATEMENT_TIMEOUT_MS")
	}
	if cfg.MaxConns != 10 {
		t.Fatalf("MaxConns = %d, want 10", cfg.MaxConns)
	}
}
