package auth

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrUserNotFound = errors.New("user not found")

type UserStore interface {
	GetByUsername(username string) (User, error)
	Put(user User) error
	List() ([]User, error)
}

// DefaultUsers returns the accounts a fresh credential store is seeded with.
func DefaultUsers() []User {
	return []User{
		{
			Username:          "admin",
			PasswordHash:      HashPassword("admin123"),
			DisplayName:       "Administrador",
			Role:              "admin",
			PermittedProjects: AllowAll(),
		},
		{
			Username:          "analista",
			PasswordHash:      HashPassword("analista123"),
			DisplayName:       "Analista",
			Role:              "analista",
			PermittedProjects: AllowProjects("conflicto_armado"),
		},
	}
}

type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewInMemoryUserStore(seed ...User) *InMemoryUserStore {
	s := &InMemoryUserStore{users: make(map[string]User)}
	for _, u := range seed {
		s.users[u.Username] = u
	}
	return s
}

func (s *InMemoryUserStore) GetByUsername(username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[strings.TrimSpace(username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *InMemoryUserStore) Put(user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
	return nil
}

func (s *InMemoryUserStore) List() ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedUsers(s.users), nil
}

func sortedUsers(m map[string]User) []User {
	out := make([]User, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
