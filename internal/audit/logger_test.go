package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	l.nowFunc = func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }
	if err := l.Log("admin", ActionSessionRevoke, "3f2c", OutcomeSuccess, ""); err != nil {
		t.Fatalf("Log() error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	line := strings.TrimSpace(string(b))
	if line == "" {
		t.Fatalf("expected non-empty audit line")
	}
	var e Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if e.Actor != "admin" || e.Action != ActionSessionRevoke || e.Outcome != OutcomeSuccess {
		t.Fatalf("unexpected audit event content: %+v", e)
	}
	if e.At != "2026-04-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", e.At)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	for _, actor := range []string{"a", "b", "c"} {
		if err := l.Record(Event{Actor: actor, Action: ActionLogin, Outcome: OutcomeSuccess, RequestID: "req-" + actor}); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	_, _ = f.WriteString("not json\n")
	_ = f.Close()

	events, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(events) != 2 || events[0].Actor != "c" || events[1].Actor != "b" {
		t.Fatalf("unexpected recent events: %+v", events)
	}
	if events[0].RequestID != "req-c" {
		t.Fatalf("expected request id to round trip, got %q", events[0].RequestID)
	}
}

func TestDisabledLogger(t *testing.T) {
	var nilLogger *Logger
	if err := nilLogger.Log("a", ActionLogin, "", OutcomeFailure, ""); err != nil {
		t.Fatalf("nil logger Log() error: %v", err)
	}
	l := NewLogger("")
	if l.Enabled() {
		t.Fatal("expected empty path to disable logging")
	}
	events, err := l.Recent(10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v, %v", events, err)
	}

	missing := NewLogger(filepath.Join(t.TempDir(), "none.log"))
	events, err = missing.Recent(10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events for missing file, got %v, %v", events, err)
	}
}
