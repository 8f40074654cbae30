package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// User-facing messages. None of them says which credential was wrong.
const (
	MsgMissingInput   = "please enter both username and password"
	MsgBadCredentials = "incorrect username or password"
	MsgUnavailable    = "sign-in is temporarily unavailable"
	MsgSignInAgain    = "please sign in again"
)

// RequestContext is the session evidence a single request carries.
type RequestContext struct {
	// URLToken comes from the token query parameter and survives a reload.
	URLToken string
	// RetainedToken is what the client kept in memory since its last response.
	// It is lost on a full reload.
	RetainedToken string
	// SelectedProject is the project the client has pinned, if any.
	SelectedProject string
}

// CandidateToken picks the single token a request is evaluated with. The URL
// value wins whenever it is present.
func CandidateToken(urlToken, retained string) string {
	if t := strings.TrimSpace(urlToken); t != "" {
		return t
	}
	return strings.TrimSpace(retained)
}

type URLAction int

const (
	// URLKeep leaves the token parameter as the client sent it.
	URLKeep URLAction = iota
	// URLSet writes Decision.Token into the token parameter.
	URLSet
	// URLStrip removes the token parameter.
	URLStrip
)

func (a URLAction) String() string {
	switch a {
	case URLSet:
		return "set"
	case URLStrip:
		return "strip"
	default:
		return "keep"
	}
}

type Route int

const (
	RouteLogin Route = iota
	RouteSelector
	RouteProject
)

func (r Route) String() string {
	switch r {
	case RouteSelector:
		return "selector"
	case RouteProject:
		return "project"
	default:
		return "login"
	}
}

// Decision is the single authoritative outcome for one request.
type Decision struct {
	Authenticated bool
	Session       Session
	Token         string
	URLAction     URLAction
	// Retain is the token the client should keep in memory; empty clears it.
	Retain    string
	Route     Route
	ProjectID string
	Message   string
}

// Manager reconciles the token channels of a request against the session store.
// It never returns an error; failures become an unauthenticated Decision.
type Manager struct {
	svc *Service
	log *slog.Logger
}

func NewManager(svc *Service, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{svc: svc, log: logger}
}

func (m *Manager) Service() *Service { return m.svc }

// Resolve evaluates the request's evidence: sweep, pick the candidate token,
// validate it and decide how the URL and the retained token must change.
func (m *Manager) Resolve(ctx context.Context, rc RequestContext) Decision {
	m.sweep(ctx)

	candidate := CandidateToken(rc.URLToken, rc.RetainedToken)
	if candidate == "" {
		m.svc.metrics.SessionResolved("anonymous")
		return Decision{Route: RouteLogin}
	}

	sess, err := m.svc.GetSession(ctx, candidate)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			m.svc.metrics.SessionResolved("invalid")
			return Decision{Route: RouteLogin, URLAction: URLStrip, Message: MsgSignInAgain}
		}
		// The token may still be good once the store is back; leave the URL alone.
		m.log.Error("session lookup failed", "error", err)
		m.svc.metrics.SessionResolved("error")
		return Decision{Route: RouteLogin, Message: MsgUnavailable}
	}

	m.svc.metrics.SessionResolved("valid")
	return m.authenticated(sess, rc)
}

// Login verifies the credentials and, on success, issues a new session that
// becomes authoritative for the request.
func (m *Manager) Login(ctx context.Context, rc RequestContext, username, password string) Decision {
	m.sweep(ctx)

	sess, err := m.svc.Login(ctx, username, password)
	if err != nil {
		d := Decision{Route: RouteLogin}
		switch {
		case errors.Is(err, ErrMissingInput):
			d.Message = MsgMissingInput
		case errors.Is(err, ErrInvalidCredentials):
			d.Message = MsgBadCredentials
		default:
			m.log.Error("login failed", "username", strings.TrimSpace(username), "error", err)
			d.Message = MsgUnavailable
		}
		return d
	}

	m.log.Info("login", "username", sess.Username, "session_id", sess.ID)
	return m.authenticated(sess, RequestContext{SelectedProject: rc.SelectedProject})
}

// Logout deletes the authoritative session and clears both channels. Calling
// it again with the same token yields the same Decision.
func (m *Manager) Logout(ctx context.Context, rc RequestContext) Decision {
	m.sweep(ctx)

	if token := CandidateToken(rc.URLToken, rc.RetainedToken); token != "" {
		if err := m.svc.DeleteSession(ctx, token); err != nil {
			m.log.Error("logout failed to delete session", "error", err)
		}
	}
	return Decision{Route: RouteLogin, URLAction: URLStrip}
}

func (m *Manager) authenticated(sess Session, rc RequestContext) Decision {
	d := Decision{
		Authenticated: true,
		Session:       sess,
		Token:         sess.Token,
		URLAction:     URLKeep,
		Retain:        sess.Token,
		Route:         RouteSelector,
	}
	if strings.TrimSpace(rc.URLToken) != sess.Token {
		d.URLAction = URLSet
	}

	project := strings.TrimSpace(rc.SelectedProject)
	if project != "" && sess.User.PermittedProjects.Allows(project) {
		d.Route = RouteProject
		d.ProjectID = project
	}
	return d
}

func (m *Manager) sweep(ctx context.Context) {
	if _, err := m.svc.Sweep(ctx); err != nil {
		m.log.Warn("session sweep failed", "error", err)
	}
}
