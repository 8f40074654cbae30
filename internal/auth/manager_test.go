package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, *Service, *testClock) {
	t.Helper()
	svc, _, _, clock := newTestService(t)
	return NewManager(svc, nil), svc, clock
}

func TestCandidateTokenPrefersURL(t *testing.T) {
	cases := []struct {
		url, retained, want string
	}{
		{"", "", ""},
		{"url", "", "url"},
		{"", "mem", "mem"},
		{"url", "mem", "url"},
		{"  ", "mem", "mem"},
	}
	for _, tc := range cases {
		if got := CandidateToken(tc.url, tc.retained); got != tc.want {
			t.Fatalf("CandidateToken(%q, %q) = %q, want %q", tc.url, tc.retained, got, tc.want)
		}
	}
}

func TestResolveAnonymous(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := m.Resolve(context.Background(), RequestContext{})
	if d.Authenticated || d.Route != RouteLogin || d.URLAction != URLKeep || d.Message != "" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestLoginThenResolveFromURL(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	d := m.Login(ctx, RequestContext{}, "admin", "admin123")
	if !d.Authenticated || d.Token == "" {
		t.Fatalf("expected authenticated decision, got %+v", d)
	}
	if d.URLAction != URLSet || d.Retain != d.Token || d.Route != RouteSelector {
		t.Fatalf("login must propagate the new token: %+v", d)
	}

	// Full reload: only the URL survives.
	d2 := m.Resolve(ctx, RequestContext{URLToken: d.Token})
	if !d2.Authenticated || d2.Token != d.Token {
		t.Fatalf("expected session restored from URL, got %+v", d2)
	}
	if d2.URLAction != URLKeep {
		t.Fatalf("URL already carries the token, got action %s", d2.URLAction)
	}
	if d2.Session.User.Role != "admin" {
		t.Fatalf("unexpected role %q", d2.Session.User.Role)
	}
}

func TestResolveURLWinsOverRetained(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	admin := m.Login(ctx, RequestContext{}, "admin", "admin123")
	analista := m.Login(ctx, RequestContext{}, "analista", "analista123")

	d := m.Resolve(ctx, RequestContext{URLToken: analista.Token, RetainedToken: admin.Token})
	if !d.Authenticated || d.Token != analista.Token || d.Session.Username != "analista" {
		t.Fatalf("URL token must be authoritative, got %+v", d)
	}
	if d.Retain != analista.Token {
		t.Fatalf("retained token must follow the URL, got %q", d.Retain)
	}
}

func TestResolveRetainedOnlySetsURL(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	login := m.Login(ctx, RequestContext{}, "admin", "admin123")

	// Same interaction, URL lost the parameter: the retained token still counts
	// and must be written back into the URL.
	d := m.Resolve(ctx, RequestContext{RetainedToken: login.Token})
	if !d.Authenticated || d.URLAction != URLSet || d.Token != login.Token {
		t.Fatalf("expected token propagated back to URL, got %+v", d)
	}

	// Fresh reload: no URL token and in-memory state is gone.
	d = m.Resolve(ctx, RequestContext{})
	if d.Authenticated {
		t.Fatalf("authentication must not survive a reload without the URL token")
	}
}

func TestResolveExpiredTokenStripsEverything(t *testing.T) {
	m, svc, clock := newTestManager(t)
	ctx := context.Background()
	login := m.Login(ctx, RequestContext{}, "admin", "admin123")

	clock.Advance(24 * time.Hour)
	d := m.Resolve(ctx, RequestContext{URLToken: login.Token, RetainedToken: login.Token})
	if d.Authenticated || d.Retain != "" || d.URLAction != URLStrip || d.Route != RouteLogin {
		t.Fatalf("expired token must clear all channels, got %+v", d)
	}
	if _, err := svc.GetSession(ctx, login.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired session gone, got %v", err)
	}
}

func TestResolveUnknownTokenMatchesExpired(t *testing.T) {
	m, _, _ := newTestManager(t)
	d := m.Resolve(context.Background(), RequestContext{URLToken: "forged"})
	if d.Authenticated || d.URLAction != URLStrip || d.Message != MsgSignInAgain {
		t.Fatalf("unexpected decision for unknown token: %+v", d)
	}
}

func TestResolveRoutesToPermittedProjectOnly(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	login := m.Login(ctx, RequestContext{}, "analista", "analista123")

	d := m.Resolve(ctx, RequestContext{URLToken: login.Token, SelectedProject: "conflicto_armado"})
	if d.Route != RouteProject || d.ProjectID != "conflicto_armado" {
		t.Fatalf("expected project route, got %+v", d)
	}

	d = m.Resolve(ctx, RequestContext{URLToken: login.Token, SelectedProject: "analisis_atenciones"})
	if d.Route != RouteSelector || d.ProjectID != "" {
		t.Fatalf("non-permitted project must fall back to selector, got %+v", d)
	}
}

func TestLoginMessages(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	d := m.Login(ctx, RequestContext{}, "analista", "wrongpass")
	if d.Authenticated || d.Token != "" || d.Message != MsgBadCredentials {
		t.Fatalf("unexpected decision: %+v", d)
	}
	d = m.Login(ctx, RequestContext{}, "ghost", "wrongpass")
	if d.Message != MsgBadCredentials {
		t.Fatalf("unknown user must get the same message, got %q", d.Message)
	}
	d = m.Login(ctx, RequestContext{}, "admin", "")
	if d.Message != MsgMissingInput {
		t.Fatalf("expected missing input message, got %q", d.Message)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	login := m.Login(ctx, RequestContext{}, "admin", "admin123")
	rc := RequestContext{URLToken: login.Token, RetainedToken: login.Token}

	first := m.Logout(ctx, rc)
	second := m.Logout(ctx, rc)
	if first.URLAction != second.URLAction || first.Retain != second.Retain ||
		first.Route != second.Route || first.Message != second.Message || first.Authenticated != second.Authenticated {
		t.Fatalf("logout decisions differ: %+v vs %+v", first, second)
	}
	if first.Authenticated || first.URLAction != URLStrip || first.Retain != "" {
		t.Fatalf("unexpected logout decision: %+v", first)
	}
	if d := m.Resolve(ctx, rc); d.Authenticated {
		t.Fatalf("session still valid after logout")
	}
}

type failingSessionStore struct{ MemorySessionStore }

func (f *failingSessionStore) Update(context.Context, func(map[string]Session) (bool, error)) error {
	return errors.New("disk on fire")
}

func TestResolveStoreFailureDegrades(t *testing.T) {
	svc, err := NewService(NewInMemoryUserStore(DefaultUsers()...), &failingSessionStore{}, ServiceConfig{})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	m := NewManager(svc, nil)

	d := m.Resolve(context.Background(), RequestContext{URLToken: "tok"})
	if d.Authenticated || d.Message != MsgUnavailable || d.URLAction != URLKeep {
		t.Fatalf("unexpected decision on store failure: %+v", d)
	}
	d = m.Login(context.Background(), RequestContext{}, "admin", "admin123")
	if d.Authenticated || d.Message != MsgUnavailable {
		t.Fatalf("unexpected login decision on store failure: %+v", d)
	}
}
