package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		HTTP: config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Auth: config.AuthConfig{
			SessionTTL:       time.Hour,
			UserBackend:      config.BackendFile,
			SessionBackend:   config.BackendFile,
			SessionStateFile: filepath.Join(dir, "sessions.json"),
			UserStateFile:    filepath.Join(dir, "users.json"),
		},
		Redis: config.RedisConfig{SessionKey: "dashboard:sessions"},
		Data: config.DataConfig{
			CatalogFile:      filepath.Join(dir, "missing.yaml"),
			Dir:              dir,
			DiscoveryPattern: "**/*.csv",
		},
		Log:             config.LogConfig{Level: "error", Format: "text"},
		FrontendDistDir: filepath.Join(dir, "dist"),
		PresetStateFile: filepath.Join(dir, "presets.json"),
		AuditLogFile:    filepath.Join(dir, "audit.log"),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAuthServiceFileBackends(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	b, err := OpenBackends(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("OpenBackends() error: %v", err)
	}
	defer b.Close()
	if b.DB != nil || b.Redis != nil {
		t.Fatal("expected no external connections for file backends")
	}

	svc, err := NewAuthService(cfg, b, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewAuthService() error: %v", err)
	}
	sess, err := svc.Login(ctx, "admin", "admin123")
	if err != nil {
		t.Fatalf("Login() with seeded default user error: %v", err)
	}
	if got := sess.ExpiresAt.Sub(sess.IssuedAt); got != time.Hour {
		t.Fatalf("expected configured ttl, got %v", got)
	}
}

func TestNewAuthServiceRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Auth.SessionBackend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()
	ctx := context.Background()

	b, err := OpenBackends(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("OpenBackends() error: %v", err)
	}
	defer b.Close()
	if b.Redis == nil {
		t.Fatal("expected redis client")
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	svc, err := NewAuthService(cfg, b, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewAuthService() error: %v", err)
	}
	sess, err := svc.Login(ctx, "analista", "analista123")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if !mr.Exists(cfg.Redis.SessionKey) {
		t.Fatalf("expected session document under %s", cfg.Redis.SessionKey)
	}
	if _, err := svc.GetSession(ctx, sess.Token); err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
}

func TestOpenBackendsRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SessionBackend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	if _, err := OpenBackends(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNewBuildsAndCloses(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.server == nil || a.loader == nil || a.auth == nil {
		t.Fatalf("expected app to be fully wired: %+v", a)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestNeedsS3(t *testing.T) {
	local, err := catalog.New(catalog.Project{ID: "a", DataFile: "data/a.csv"})
	if err != nil {
		t.Fatalf("catalog.New() error: %v", err)
	}
	if needsS3(local) {
		t.Fatal("local data files do not need s3")
	}
	remote, err := catalog.New(
		catalog.Project{ID: "a", DataFile: "data/a.csv"},
		catalog.Project{ID: "b", DataFile: "s3://bucket/b.csv"},
	)
	if err != nil {
		t.Fatalf("catalog.New() error: %v", err)
	}
	if !needsS3(remote) {
		t.Fatal("expected s3 location to need a client")
	}
}
