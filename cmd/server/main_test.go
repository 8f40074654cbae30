package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"analyticsvr/dashboard/internal/auth"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "", "hash-password", "admin123")
	if err != nil {
		t.Fatalf("hash-password error: %v", err)
	}
	if strings.TrimSpace(out) != auth.HashPassword("admin123") {
		t.Fatalf("unexpected hash output %q", out)
	}

	out, err = execute(t, "analista123\n", "hash-password")
	if err != nil {
		t.Fatalf("hash-password from stdin error: %v", err)
	}
	if strings.TrimSpace(out) != auth.HashPassword("analista123") {
		t.Fatalf("unexpected stdin hash output %q", out)
	}

	if _, err := execute(t, "", "hash-password"); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestMigrateList(t *testing.T) {
	out, err := execute(t, "", "migrate", "list")
	if err != nil {
		t.Fatalf("migrate list error: %v", err)
	}
	if !strings.Contains(out, "00001_auth.sql") || !strings.Contains(out, "00002_filter_presets.sql") {
		t.Fatalf("expected embedded migrations in output, got %q", out)
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := execute(t, "", "migrate"); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("expected version in output, got %q", out)
	}
}

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) PingContext(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitForDB(t *testing.T) {
	p := &flakyPinger{failures: 2}
	if err := waitForDB(context.Background(), p, time.Second, time.Millisecond); err != nil {
		t.Fatalf("waitForDB() error: %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 pings, got %d", p.calls)
	}

	never := &flakyPinger{failures: 1 << 30}
	err := waitForDB(context.Background(), never, 5*time.Millisecond, time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
