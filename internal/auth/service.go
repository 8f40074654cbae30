package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingInput       = errors.New("username and password are required")
	ErrWeakPassword       = errors.New("weak password")
	ErrSessionNotFound    = errors.New("session not found")
)

const (
	DefaultSessionTTL = 24 * time.Hour

	tokenBytes        = 32
	maxTokenAttempts  = 5
	minPasswordLength = 12
	maxPasswordLength = 128
)

// Metrics receives auth outcomes. observability.Metrics satisfies it.
type Metrics interface {
	LoginAttempt(outcome string)
	SessionResolved(result string)
	SessionsSwept(n int)
}

type noopMetrics struct{}

func (noopMetrics) LoginAttempt(string)    {}
func (noopMetrics) SessionResolved(string) {}
func (noopMetrics) SessionsSwept(int)      {}

type Service struct {
	users    UserStore
	sessions SessionStore
	ttl      time.Duration
	nowFunc  func() time.Time
	log      *slog.Logger
	metrics  Metrics
}

type ServiceConfig struct {
	SessionTTL time.Duration
	Logger     *slog.Logger
	Metrics    Metrics
	Now        func() time.Time
}

func NewService(users UserStore, sessions SessionStore, cfg ServiceConfig) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.SessionTTL < 0 {
		return nil, fmt.Errorf("session TTL must be > 0")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		users:    users,
		sessions: sessions,
		ttl:      cfg.SessionTTL,
		nowFunc:  cfg.Now,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// HashPassword returns the unsalted SHA-256 hex digest stored in credential
// records. Existing stored hashes depend on this exact format.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func VerifyPassword(password, storedHash string) bool {
	candidate := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(strings.ToLower(storedHash))) == 1
}

// Authenticate checks a username/password pair against the credential store.
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Authenticate(username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, ErrMissingInput
	}

	u, err := s.users.GetByUsername(username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !VerifyPassword(password, u.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	if u.Username == "" {
		u.Username = username
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	u, err := s.Authenticate(username, password)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingInput):
			s.metrics.LoginAttempt("missing_input")
		case errors.Is(err, ErrInvalidCredentials):
			s.metrics.LoginAttempt("rejected")
		default:
			s.metrics.LoginAttempt("error")
		}
		return Session{}, err
	}

	sess, err := s.CreateSession(ctx, u)
	if err != nil {
		s.metrics.LoginAttempt("error")
		return Session{}, err
	}
	s.metrics.LoginAttempt("success")
	return sess, nil
}

// CreateSession issues a fresh token for user and persists the record.
func (s *Service) CreateSession(ctx context.Context, user User) (Session, error) {
	if strings.TrimSpace(user.Username) == "" {
		return Session{}, fmt.Errorf("username is required")
	}

	now := s.nowFunc().UTC()
	var issued Session
	err := s.sessions.Update(ctx, func(sessions map[string]Session) (bool, error) {
		token, err := uniqueToken(sessions)
		if err != nil {
			return false, err
		}
		issued = Session{
			Token:     token,
			ID:        uuid.NewString(),
			Username:  user.Username,
			User:      user.Snapshot(),
			IssuedAt:  now,
			ExpiresAt: now.Add(s.ttl),
		}
		sessions[token] = issued
		return true, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return issued, nil
}

// GetSession returns the live session for token. An expired record is
// removed from the store before ErrInvalidToken is returned.
func (s *Service) GetSession(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrInvalidToken
	}

	now := s.nowFunc()
	var found Session
	var ok bool
	err := s.sessions.Update(ctx, func(sessions map[string]Session) (bool, error) {
		found, ok = sessions[token]
		if !ok {
			return false, nil
		}
		if !found.ValidAt(now) {
			ok = false
			delete(sessions, token)
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return Session{}, ErrInvalidToken
	}
	found.Token = token
	return found, nil
}

// DeleteSession removes token if present. Deleting an unknown token is not an error.
func (s *Service) DeleteSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.sessions.Update(ctx, func(sessions map[string]Session) (bool, error) {
		if _, ok := sessions[token]; !ok {
			return false, nil
		}
		delete(sessions, token)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Sweep deletes every expired record and reports how many were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.nowFunc()
	removed := 0
	err := s.sessions.Update(ctx, func(sessions map[string]Session) (bool, error) {
		removed = 0
		for token, sess := range sessions {
			if !sess.ValidAt(now) {
				delete(sessions, token)
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if removed > 0 {
		s.metrics.SessionsSwept(removed)
		s.log.Debug("expired sessions swept", "count", removed)
	}
	return removed, nil
}

// ListSessions returns views of the live sessions, oldest first.
func (s *Service) ListSessions(ctx context.Context) ([]SessionView, error) {
	sessions, err := s.sessions.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := s.nowFunc()
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.ValidAt(now) {
			continue
		}
		out = append(out, sess.View())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

func (s *Service) RevokeSessionByID(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionNotFound
	}

	found := false
	err := s.sessions.Update(ctx, func(sessions map[string]Session) (bool, error) {
		found = false
		for token, sess := range sessions {
			if sess.ID == sessionID {
				delete(sessions, token)
				found = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// ChangePassword replaces the caller's stored hash. Sessions already issued
// keep their snapshot until they expire.
func (s *Service) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	if err := validatePasswordPolicy(newPassword); err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, token)
	if err != nil {
		return err
	}

	user, err := s.users.GetByUsername(sess.Username)
	if err != nil {
		return ErrInvalidCredentials
	}
	if !VerifyPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	user.Username = sess.Username
	user.PasswordHash = HashPassword(newPassword)
	if err := s.users.Put(user); err != nil {
		return fmt.Errorf("store updated password: %w", err)
	}
	s.log.Info("password changed", "username", sess.Username)
	return nil
}

func validatePasswordPolicy(password string) error {
	if strings.TrimSpace(password) != password {
		return ErrWeakPassword
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrWeakPassword
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return ErrWeakPassword
	}
	return nil
}

func uniqueToken(existing map[string]Session) (string, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := generateToken(tokenBytes)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		if _, taken := existing[token]; !taken {
			return token, nil
		}
	}
	return "", fmt.Errorf("generate token: %d collisions in a row", maxTokenAttempts)
}

func generateToken(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("token length too short")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
