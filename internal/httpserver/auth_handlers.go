package httpserver

import (
	"errors"
	"net/http"
	"time"

	"analyticsvr/dashboard/internal/audit"
	"analyticsvr/dashboard/internal/auth"
	"analyticsvr/dashboard/internal/catalog"
)

func registerAuthHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("POST /v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if deps.Sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Project  string `json:"project"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rc := requestContext(r)
		if req.Project != "" {
			rc.SelectedProject = req.Project
		}
		d := deps.Sessions.Login(r.Context(), rc, req.Username, req.Password)
		if !d.Authenticated {
			status := http.StatusUnauthorized
			switch d.Message {
			case auth.MsgMissingInput:
				status = http.StatusBadRequest
			case auth.MsgUnavailable:
				status = http.StatusServiceUnavailable
			}
			auditReq(deps.Audit, r, req.Username, audit.ActionLogin, "", audit.OutcomeFailure, d.Message)
			writeError(w, status, d.Message)
			return
		}
		auditReq(deps.Audit, r, d.Session.Username, audit.ActionLogin, d.Session.ID, audit.OutcomeSuccess, "")

		applyDecision(w, d)
		payload := sessionPayload(d, visibleProjects(deps, d))
		payload["token"] = d.Token
		writeJSON(w, http.StatusOK, payload)
	})

	mux.HandleFunc("GET /v1/auth/session", func(w http.ResponseWriter, r *http.Request) {
		d, ok := requireSession(w, r, deps, "")
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(d, visibleProjects(deps, d)))
	})

	mux.HandleFunc("POST /v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if deps.Sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}
		rc := requestContext(r)
		// Resolve first so the audit entry names who signed out.
		prior := deps.Sessions.Resolve(r.Context(), rc)
		d := deps.Sessions.Logout(r.Context(), rc)
		if prior.Authenticated {
			auditReq(deps.Audit, r, prior.Session.Username, audit.ActionLogout, prior.Session.ID, audit.OutcomeSuccess, "")
		}
		applyDecision(w, d)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/auth/change-password", func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}
		d, ok := requireSession(w, r, deps, "")
		if !ok {
			return
		}

		var req struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.CurrentPassword == "" || req.NewPassword == "" {
			writeError(w, http.StatusBadRequest, "current_password and new_password are required")
			return
		}

		actor := d.Session.Username
		if err := deps.Accounts.ChangePassword(r.Context(), d.Token, req.CurrentPassword, req.NewPassword); err != nil {
			switch {
			case errors.Is(err, auth.ErrWeakPassword):
				auditReq(deps.Audit, r, actor, audit.ActionPasswordChange, "", audit.OutcomeFailure, "weak password")
				writeError(w, http.StatusBadRequest, "new password does not meet policy")
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidCredentials):
				auditReq(deps.Audit, r, actor, audit.ActionPasswordChange, "", audit.OutcomeFailure, "invalid credentials")
				writeError(w, http.StatusUnauthorized, "invalid credentials or token")
			default:
				auditReq(deps.Audit, r, actor, audit.ActionPasswordChange, "", audit.OutcomeFailure, err.Error())
				writeServiceError(w, r, deps.Logger, err, "change password failed")
			}
			return
		}
		auditReq(deps.Audit, r, actor, audit.ActionPasswordChange, "", audit.OutcomeSuccess, "")
		w.WriteHeader(http.StatusNoContent)
	})
}

func visibleProjects(deps Deps, d auth.Decision) []catalog.Project {
	if deps.Catalog == nil {
		return []catalog.Project{}
	}
	return catalog.Visible(d.Session.User.PermittedProjects, deps.Catalog.All())
}

func sessionPayload(d auth.Decision, projects []catalog.Project) map[string]any {
	u := d.Session.User
	return map[string]any{
		"session_id": d.Session.ID,
		"user": map[string]any{
			"username":           d.Session.Username,
			"display_name":       u.DisplayName,
			"role":               u.Role,
			"permitted_projects": u.PermittedProjects,
		},
		"expires_at": d.Session.ExpiresAt.UTC().Format(time.RFC3339),
		"route":      d.Route.String(),
		"project":    d.ProjectID,
		"projects":   projects,
	}
}
