// Package audit appends security-relevant events (sign-in, sign-out, session
// revocation, exports) to a JSON-lines file.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ActionLogin          = "auth.login"
	ActionLogout         = "auth.logout"
	ActionPasswordChange = "auth.password_change"
	ActionSessionRevoke  = "session.revoke"
	ActionExport         = "report.export"
	ActionPresetCreate   = "preset.create"
	ActionPresetDelete   = "preset.delete"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

type Event struct {
	At        string `json:"at"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Logger is safe for concurrent use. A nil Logger or an empty path discards
// events.
type Logger struct {
	path    string
	nowFunc func() time.Time
	mu      sync.Mutex
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, nowFunc: time.Now}
}

func (l *Logger) Enabled() bool {
	return l != nil && l.path != ""
}

func (l *Logger) Log(actor, action, target, outcome, detail string) error {
	return l.Record(Event{Actor: actor, Action: action, Target: target, Outcome: outcome, Detail: detail})
}

// Record stamps e with the current time when unset and appends it.
func (l *Logger) Record(e Event) error {
	if !l.Enabled() {
		return nil
	}
	if e.At == "" {
		e.At = l.nowFunc().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. Lines that do not decode
// are skipped.
func (l *Logger) Recent(limit int) ([]Event, error) {
	out := make([]Event, 0)
	if !l.Enabled() || limit <= 0 {
		return out, nil
	}

	l.mu.Lock()
	b, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	var all []Event
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
