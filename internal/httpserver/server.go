package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"analyticsvr/dashboard/internal/audit"
	"analyticsvr/dashboard/internal/auth"
	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/config"
	"analyticsvr/dashboard/internal/dataset"
	"analyticsvr/dashboard/internal/presets"
	"analyticsvr/dashboard/internal/report"
)

// Response headers that carry token changes to API clients. Page requests
// get a redirect instead.
const (
	HeaderSessionToken   = "X-Session-Token"
	HeaderSessionCleared = "X-Session-Cleared"
	HeaderRequestID      = "X-Request-Id"
)

type SessionManager interface {
	Resolve(ctx context.Context, rc auth.RequestContext) auth.Decision
	Login(ctx context.Context, rc auth.RequestContext, username, password string) auth.Decision
	Logout(ctx context.Context, rc auth.RequestContext) auth.Decision
}

type AccountService interface {
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error
	ListSessions(ctx context.Context) ([]auth.SessionView, error)
	RevokeSessionByID(ctx context.Context, sessionID string) error
}

type Catalog interface {
	All() []catalog.Project
	Get(id string) (catalog.Project, error)
}

type Dashboards interface {
	Lookup(kind string) (report.Dashboard, error)
}

type AuditLogger interface {
	Record(e audit.Event) error
	Recent(limit int) ([]audit.Event, error)
}

type Metrics interface {
	Request(method, code string)
	Handler() http.Handler
}

type Deps struct {
	Sessions        SessionManager
	Accounts        AccountService
	Catalog         Catalog
	Dashboards      Dashboards
	Presets         presets.Store
	Audit           AuditLogger
	Metrics         Metrics
	Logger          *slog.Logger
	FrontendDistDir string
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      Wrap(NewHandler(deps), deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Wrap installs the request id, logging and metrics middleware.
func Wrap(h http.Handler, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return loggingMiddleware(logger, deps.Metrics, h)
}

func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "not ready")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("GET /v1/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "dashboard-api",
			"version": "0.1.0",
		})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	registerAuthHandlers(mux, deps)
	registerProjectHandlers(mux, deps)
	registerPresetHandlers(mux, deps)
	registerAdminHandlers(mux, deps)
	registerFrontendHandlers(mux, deps)

	return mux
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestContext collects the token channels of r: the token query parameter
// and the bearer token the client retained in memory.
func requestContext(r *http.Request) auth.RequestContext {
	q := r.URL.Query()
	retained, _ := extractBearerToken(r.Header.Get("Authorization"))
	return auth.RequestContext{
		URLToken:        q.Get("token"),
		RetainedToken:   retained,
		SelectedProject: q.Get("project"),
	}
}

// applyDecision tells an API client how to update its token channels.
func applyDecision(w http.ResponseWriter, d auth.Decision) {
	switch d.URLAction {
	case auth.URLSet:
		w.Header().Set(HeaderSessionToken, d.Token)
	case auth.URLStrip:
		w.Header().Set(HeaderSessionCleared, "1")
	}
}

// requireSession resolves the request and writes the failure response when it
// is not authenticated or lacks requiredRole.
func requireSession(w http.ResponseWriter, r *http.Request, deps Deps, requiredRole string) (auth.Decision, bool) {
	if deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
		return auth.Decision{}, false
	}
	d := deps.Sessions.Resolve(r.Context(), requestContext(r))
	applyDecision(w, d)
	if !d.Authenticated {
		switch d.Message {
		case auth.MsgUnavailable:
			writeError(w, http.StatusServiceUnavailable, d.Message)
		case "":
			writeError(w, http.StatusUnauthorized, "authentication required")
		default:
			writeError(w, http.StatusUnauthorized, d.Message)
		}
		return auth.Decision{}, false
	}
	if requiredRole != "" && !strings.EqualFold(strings.TrimSpace(d.Session.User.Role), requiredRole) {
		writeError(w, http.StatusForbidden, "forbidden")
		return auth.Decision{}, false
	}
	return d, true
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors to status codes. Anything unknown is
// logged and reported as a 500 with fallback as the message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, catalog.ErrUnknownProject):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, report.ErrNoDashboard):
		writeError(w, http.StatusNotFound, "dashboard not available")
	case errors.Is(err, dataset.ErrNotFound):
		writeError(w, http.StatusNotFound, "data file not found")
	case errors.Is(err, report.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, presets.ErrNotFound):
		writeError(w, http.StatusNotFound, "preset not found")
	case errors.Is(err, presets.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error(fallback, "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func loggingMiddleware(logger *slog.Logger, metrics Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if metrics != nil {
			metrics.Request(r.Method, strconv.Itoa(rec.status))
		}
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(a AuditLogger, r *http.Request, actor, action, target, outcome, detail string) {
	if a == nil {
		return
	}
	parts := []string{
		"ip=" + clientIP(r),
		"ua=" + strings.TrimSpace(r.UserAgent()),
	}
	if strings.TrimSpace(detail) != "" {
		parts = append(parts, "detail="+strings.TrimSpace(detail))
	}
	_ = a.Record(audit.Event{
		Actor:     actor,
		Action:    action,
		Target:    target,
		Outcome:   outcome,
		Detail:    strings.Join(parts, " | "),
		RequestID: requestIDFromContext(r.Context()),
	})
}
