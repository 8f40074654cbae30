package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"analyticsvr/dashboard/internal/filex"
)

// FileUserStore keeps credentials in a JSON object keyed by username. The file
// is re-read on every call so accounts provisioned by other processes are seen.
type FileUserStore struct {
	path string
	log  *slog.Logger

	mu sync.Mutex
}

func NewFileUserStore(path string, logger *slog.Logger) (*FileUserStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("user state file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileUserStore{path: path, log: logger}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileUserStore) GetByUsername(username string) (User, error) {
	users, err := s.load()
	if err != nil {
		return User{}, err
	}
	u, ok := users[strings.TrimSpace(username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *FileUserStore) Put(user User) error {
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("username and password hash are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := filex.Lock(s.path)
	if err != nil {
		return err
	}
	defer unlock()

	users, corrupt, err := s.read()
	if err != nil {
		return err
	}
	if corrupt {
		return fmt.Errorf("user store file %s is unreadable; refusing to overwrite", s.path)
	}
	users[user.Username] = user
	return s.writeLocked(users)
}

func (s *FileUserStore) List() ([]User, error) {
	users, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedUsers(users), nil
}

// load returns the current users, seeding the defaults when the file is absent.
// Unparseable content degrades to an empty set and is left untouched on disk.
func (s *FileUserStore) load() (map[string]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return s.seedLocked()
	}

	users, corrupt, err := s.read()
	if err != nil {
		return nil, err
	}
	if corrupt {
		return map[string]User{}, nil
	}
	return users, nil
}

func (s *FileUserStore) seedLocked() (map[string]User, error) {
	unlock, err := filex.Lock(s.path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another process may have seeded while we waited for the lock.
	if _, err := os.Stat(s.path); err == nil {
		users, _, err := s.read()
		return users, err
	}

	users := make(map[string]User)
	for _, u := range DefaultUsers() {
		users[u.Username] = u
	}
	if err := s.writeLocked(users); err != nil {
		return nil, err
	}
	s.log.Info("default accounts created", "path", s.path, "count", len(users))
	return users, nil
}

func (s *FileUserStore) read() (map[string]User, bool, error) {
	users := make(map[string]User)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return users, false, nil
		}
		return nil, false, fmt.Errorf("read user store file: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return users, false, nil
	}

	var decoded map[string]User
	if err := json.Unmarshal(b, &decoded); err != nil {
		s.log.Error("user store file is unreadable; no accounts available", "path", s.path, "error", err)
		return users, true, nil
	}
	for name, u := range decoded {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		u.Username = name
		users[name] = u
	}
	return users, false, nil
}

func (s *FileUserStore) writeLocked(users map[string]User) error {
	out := make(map[string]User, len(users))
	for name, u := range users {
		u.Username = ""
		out[name] = u
	}
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return fmt.Errorf("encode user store file: %w", err)
	}
	if err := filex.WriteAtomic(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write user store file: %w", err)
	}
	return nil
}
