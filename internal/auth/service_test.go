package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	adminHash    = "240be518fabd2724ddb6f04eeb1da5967448d7e831c08c8fa822809f74c720a9"
	analistaHash = "9cd268397030111adacb4268e51f0dbbb0dbc8c59eb34f8f7d55f72d4c888349"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *MemorySessionStore, *InMemoryUserStore, *testClock) {
	t.Helper()
	users := NewInMemoryUserStore(DefaultUsers()...)
	sessions := NewMemorySessionStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := NewService(users, sessions, ServiceConfig{Now: clock.Now})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc, sessions, users, clock
}

func TestHashPasswordIsUnsaltedSHA256(t *testing.T) {
	if got := HashPassword("admin123"); got != adminHash {
		t.Fatalf("HashPassword(admin123) = %s", got)
	}
	if !VerifyPassword("analista123", analistaHash) {
		t.Fatalf("expected analista123 to verify")
	}
	if !VerifyPassword("analista123", strings.ToUpper(analistaHash)) {
		t.Fatalf("expected upper-case stored digest to verify")
	}
	if VerifyPassword("analista124", analistaHash) {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestNewServiceDefaultsTTL(t *testing.T) {
	svc, err := NewService(NewInMemoryUserStore(), NewMemorySessionStore(), ServiceConfig{})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	if svc.ttl != 24*time.Hour {
		t.Fatalf("expected 24h default TTL, got %s", svc.ttl)
	}
	if _, err := NewService(nil, NewMemorySessionStore(), ServiceConfig{}); err == nil {
		t.Fatalf("expected error without user store")
	}
	if _, err := NewService(NewInMemoryUserStore(), nil, ServiceConfig{}); err == nil {
		t.Fatalf("expected error without session store")
	}
}

func TestAdminLoginLifecycle(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Login(ctx, "admin", "admin123")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if sess.Token == "" || sess.ID == "" {
		t.Fatalf("expected token and id, got %+v", sess)
	}

	got, err := svc.GetSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.User.Role != "admin" || !got.User.PermittedProjects.All {
		t.Fatalf("unexpected snapshot: %+v", got.User)
	}
	if got.User.PasswordHash != "" {
		t.Fatalf("snapshot must not carry the password hash")
	}

	clock.Advance(24*time.Hour + time.Second)
	if _, err := svc.GetSession(ctx, sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after 24h, got %v", err)
	}
}

func TestLoginWrongPasswordCreatesNothing(t *testing.T) {
	svc, sessions, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Login(ctx, "analista", "wrongpass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if sess.Token != "" {
		t.Fatalf("expected no token, got %q", sess.Token)
	}
	if _, err := svc.Login(ctx, "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user must look like a wrong password, got %v", err)
	}

	stored, _ := sessions.Load(ctx)
	if len(stored) != 0 {
		t.Fatalf("expected no sessions, got %d", len(stored))
	}
}

func TestLoginMissingInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	for _, tc := range []struct{ user, pass string }{
		{"", "admin123"},
		{"admin", ""},
		{"   ", ""},
	} {
		if _, err := svc.Login(context.Background(), tc.user, tc.pass); !errors.Is(err, ErrMissingInput) {
			t.Fatalf("Login(%q, %q): expected ErrMissingInput, got %v", tc.user, tc.pass, err)
		}
	}
}

func TestCreateSessionTokensAreUnique(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	ctx := context.Background()
	admin, _ := users.GetByUsername("admin")

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		sess, err := svc.CreateSession(ctx, admin)
		if err != nil {
			t.Fatalf("CreateSession() error: %v", err)
		}
		if len(sess.Token) != 43 {
			t.Fatalf("expected 43-char base64url token, got %q", sess.Token)
		}
		if strings.ContainsAny(sess.Token, "+/=") {
			t.Fatalf("token is not URL safe: %q", sess.Token)
		}
		if _, dup := seen[sess.Token]; dup {
			t.Fatalf("duplicate token after %d sessions", i)
		}
		seen[sess.Token] = struct{}{}
	}
}

func TestSessionExpiryBoundary(t *testing.T) {
	svc, _, users, clock := newTestService(t)
	ctx := context.Background()
	admin, _ := users.GetByUsername("admin")

	start := clock.now
	sess, err := svc.CreateSession(ctx, admin)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if !sess.ExpiresAt.Equal(start.Add(24 * time.Hour)) {
		t.Fatalf("expires_at = %s, want issued + 24h", sess.ExpiresAt)
	}

	clock.now = start.Add(24*time.Hour - time.Nanosecond)
	if _, err := svc.GetSession(ctx, sess.Token); err != nil {
		t.Fatalf("expected session valid just before expiry, got %v", err)
	}

	clock.now = start.Add(24 * time.Hour)
	if _, err := svc.GetSession(ctx, sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected session invalid at expiry, got %v", err)
	}
}

func TestGetSessionEvictsExpiredRecord(t *testing.T) {
	svc, sessions, users, clock := newTestService(t)
	ctx := context.Background()
	admin, _ := users.GetByUsername("admin")

	sess, _ := svc.CreateSession(ctx, admin)
	clock.Advance(25 * time.Hour)

	if _, err := svc.GetSession(ctx, sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	stored, _ := sessions.Load(ctx)
	if _, ok := stored[sess.Token]; ok {
		t.Fatalf("expired record still persisted")
	}
	n, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing left to sweep, removed %d", n)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	svc, sessions, users, clock := newTestService(t)
	ctx := context.Background()
	admin, _ := users.GetByUsername("admin")

	old1, _ := svc.CreateSession(ctx, admin)
	old2, _ := svc.CreateSession(ctx, admin)
	clock.Advance(12 * time.Hour)
	fresh, _ := svc.CreateSession(ctx, admin)
	clock.Advance(13 * time.Hour)

	n, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	stored, _ := sessions.Load(ctx)
	if _, ok := stored[old1.Token]; ok {
		t.Fatalf("old1 not swept")
	}
	if _, ok := stored[old2.Token]; ok {
		t.Fatalf("old2 not swept")
	}
	if _, ok := stored[fresh.Token]; !ok {
		t.Fatalf("fresh session swept")
	}
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	svc, sessions, users, _ := newTestService(t)
	ctx := context.Background()
	admin, _ := users.GetByUsername("admin")
	sess, _ := svc.CreateSession(ctx, admin)

	if err := svc.DeleteSession(ctx, sess.Token); err != nil {
		t.Fatalf("first DeleteSession() error: %v", err)
	}
	first, _ := sessions.Load(ctx)
	if err := svc.DeleteSession(ctx, sess.Token); err != nil {
		t.Fatalf("second DeleteSession() error: %v", err)
	}
	second, _ := sessions.Load(ctx)
	if len(first) != 0 || len(second) != 0 {
		t.Fatalf("expected empty store after both deletes, got %d/%d", len(first), len(second))
	}
}

func TestSnapshotSurvivesPermissionChange(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Login(ctx, "analista", "analista123")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	u, _ := users.GetByUsername("analista")
	u.PermittedProjects = AllowAll()
	u.Role = "admin"
	_ = users.Put(u)

	got, err := svc.GetSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.User.Role != "analista" || got.User.PermittedProjects.All {
		t.Fatalf("snapshot changed after issuance: %+v", got.User)
	}
}

func TestListAndRevokeSessionByID(t *testing.T) {
	svc, _, users, clock := newTestService(t)
	ctx := context.Background()
	admin, _ := users.GetByUsername("admin")
	analista, _ := users.GetByUsername("analista")

	a, _ := svc.CreateSession(ctx, admin)
	clock.Advance(time.Minute)
	b, _ := svc.CreateSession(ctx, analista)

	views, err := svc.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error: %v", err)
	}
	if len(views) != 2 || views[0].ID != a.ID || views[1].ID != b.ID {
		t.Fatalf("unexpected views: %+v", views)
	}
	if views[1].Role != "analista" {
		t.Fatalf("expected analista role in view, got %q", views[1].Role)
	}

	if err := svc.RevokeSessionByID(ctx, a.ID); err != nil {
		t.Fatalf("RevokeSessionByID() error: %v", err)
	}
	if _, err := svc.GetSession(ctx, a.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked session still valid: %v", err)
	}
	if err := svc.RevokeSessionByID(ctx, a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _, users, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Login(ctx, "admin", "admin123")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if err := svc.ChangePassword(ctx, sess.Token, "admin123", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.ChangePassword(ctx, sess.Token, "nope", "N3w-Passw0rd!x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, sess.Token, "admin123", "N3w-Passw0rd!x"); err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}

	u, _ := users.GetByUsername("admin")
	if u.PasswordHash != HashPassword("N3w-Passw0rd!x") {
		t.Fatalf("stored hash not updated")
	}
	if _, err := svc.Login(ctx, "admin", "admin123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
}

type recordingMetrics struct {
	logins      map[string]int
	resolutions map[string]int
	swept       int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{logins: map[string]int{}, resolutions: map[string]int{}}
}

func (m *recordingMetrics) LoginAttempt(outcome string)   { m.logins[outcome]++ }
func (m *recordingMetrics) SessionResolved(result string) { m.resolutions[result]++ }
func (m *recordingMetrics) SessionsSwept(n int)           { m.swept += n }

func TestServiceReportsMetrics(t *testing.T) {
	metrics := newRecordingMetrics()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := NewService(NewInMemoryUserStore(DefaultUsers()...), NewMemorySessionStore(), ServiceConfig{
		Metrics: metrics,
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	ctx := context.Background()

	_, _ = svc.Login(ctx, "admin", "admin123")
	_, _ = svc.Login(ctx, "admin", "bad")
	_, _ = svc.Login(ctx, "", "")
	clock.Advance(48 * time.Hour)
	_, _ = svc.Sweep(ctx)

	if metrics.logins["success"] != 1 || metrics.logins["rejected"] != 1 || metrics.logins["missing_input"] != 1 {
		t.Fatalf("unexpected login metrics: %+v", metrics.logins)
	}
	if metrics.swept != 1 {
		t.Fatalf("expected 1 swept, got %d", metrics.swept)
	}
}
