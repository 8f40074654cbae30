package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"analyticsvr/dashboard/internal/filex"
)

// SessionStore persists the full token -> session mapping.
//
// Update is the read-modify-write unit: fn receives the current mapping and
// reports whether it changed it; the store writes the mapping back only then.
// Implementations serialize Update across every process sharing the store.
type SessionStore interface {
	Load(ctx context.Context) (map[string]Session, error)
	Save(ctx context.Context, sessions map[string]Session) error
	Update(ctx context.Context, fn func(sessions map[string]Session) (bool, error)) error
}

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Load(context.Context) (map[string]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSessions(s.sessions), nil
}

func (s *MemorySessionStore) Save(_ context.Context, sessions map[string]Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = cloneSessions(sessions)
	return nil
}

func (s *MemorySessionStore) Update(_ context.Context, fn func(map[string]Session) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := cloneSessions(s.sessions)
	changed, err := fn(work)
	if err != nil {
		return err
	}
	if changed {
		s.sessions = work
	}
	return nil
}

// FileSessionStore keeps sessions in a JSON object keyed by token. Writers take
// an advisory lock on a sidecar file and replace the state file atomically.
type FileSessionStore struct {
	path string
	log  *slog.Logger

	mu sync.Mutex
}

func NewFileSessionStore(path string, logger *slog.Logger) (*FileSessionStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("session state file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSessionStore{path: path, log: logger}, nil
}

func (s *FileSessionStore) Load(context.Context) (map[string]Session, error) {
	return s.read()
}

func (s *FileSessionStore) Save(_ context.Context, sessions map[string]Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := filex.Lock(s.path)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(sessions)
}

func (s *FileSessionStore) Update(_ context.Context, fn func(map[string]Session) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := filex.Lock(s.path)
	if err != nil {
		return err
	}
	defer unlock()

	sessions, err := s.read()
	if err != nil {
		return err
	}
	changed, err := fn(sessions)
	if err != nil || !changed {
		return err
	}
	return s.write(sessions)
}

// read never fails on absent or unparseable content; both mean "no sessions".
func (s *FileSessionStore) read() (map[string]Session, error) {
	out := make(map[string]Session)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out, nil
	}

	var decoded map[string]Session
	if err := json.Unmarshal(b, &decoded); err != nil {
		s.log.Warn("session state unreadable; treating as empty", "path", s.path, "error", err)
		return out, nil
	}
	for token, sess := range decoded {
		if token == "" {
			continue
		}
		sess.Token = token
		out[token] = sess
	}
	return out, nil
}

func (s *FileSessionStore) write(sessions map[string]Session) error {
	b, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if err := filex.WriteAtomic(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}
