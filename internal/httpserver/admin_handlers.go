package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"analyticsvr/dashboard/internal/audit"
	"analyticsvr/dashboard/internal/auth"
)

const (
	adminRole         = "admin"
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func registerAdminHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /v1/system/sessions", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireSession(w, r, deps, adminRole); !ok {
			return
		}
		if deps.Accounts == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}
		items, err := deps.Accounts.ListSessions(r.Context())
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "list sessions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	mux.HandleFunc("DELETE /v1/system/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		admin, ok := requireSession(w, r, deps, adminRole)
		if !ok {
			return
		}
		if deps.Accounts == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}

		sessionID := strings.TrimSpace(r.PathValue("id"))
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		actor := admin.Session.Username
		if err := deps.Accounts.RevokeSessionByID(r.Context(), sessionID); err != nil {
			if errors.Is(err, auth.ErrSessionNotFound) {
				auditReq(deps.Audit, r, actor, audit.ActionSessionRevoke, sessionID, audit.OutcomeFailure, "session not found")
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			auditReq(deps.Audit, r, actor, audit.ActionSessionRevoke, sessionID, audit.OutcomeFailure, err.Error())
			writeServiceError(w, r, deps.Logger, err, "revoke session failed")
			return
		}
		auditReq(deps.Audit, r, actor, audit.ActionSessionRevoke, sessionID, audit.OutcomeSuccess, "")
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/system/audit", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireSession(w, r, deps, adminRole); !ok {
			return
		}
		if deps.Audit == nil {
			writeJSON(w, http.StatusOK, map[string]any{"items": []audit.Event{}})
			return
		}
		limit := defaultAuditLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxAuditLimit)
		}
		items, err := deps.Audit.Recent(limit)
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "read audit log failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})
}
