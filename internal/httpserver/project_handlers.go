package httpserver

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"analyticsvr/dashboard/internal/audit"
	"analyticsvr/dashboard/internal/auth"
	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/presets"
	"analyticsvr/dashboard/internal/report"
)

func registerProjectHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /v1/projects", func(w http.ResponseWriter, r *http.Request) {
		d, ok := requireSession(w, r, deps, "")
		if !ok {
			return
		}
		type item struct {
			catalog.Project
			Available bool `json:"available"`
		}
		items := make([]item, 0)
		for _, p := range visibleProjects(deps, d) {
			available := false
			if deps.Dashboards != nil {
				_, err := deps.Dashboards.Lookup(p.Kind)
				available = err == nil
			}
			items = append(items, item{Project: p, Available: available})
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	mux.HandleFunc("GET /v1/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := requireSession(w, r, deps, "")
		if !ok {
			return
		}
		p, ok := visibleProject(w, r, deps, d)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, p)
	})

	mux.HandleFunc("GET /v1/projects/{id}/report", func(w http.ResponseWriter, r *http.Request) {
		p, dash, ok := projectDashboard(w, r, deps)
		if !ok {
			return
		}
		rep, err := dash.Build(r.Context(), p, reportQuery(r))
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "build report failed")
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	mux.HandleFunc("GET /v1/projects/{id}/filters", func(w http.ResponseWriter, r *http.Request) {
		p, dash, ok := projectDashboard(w, r, deps)
		if !ok {
			return
		}
		rep, err := dash.Build(r.Context(), p, reportQuery(r))
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "build filters failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rep.Filters, "labels": rep.Labels})
	})

	mux.HandleFunc("GET /v1/projects/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		d, ok := requireSession(w, r, deps, "")
		if !ok {
			return
		}
		p, ok := visibleProject(w, r, deps, d)
		if !ok {
			return
		}
		dash, ok := lookupDashboard(w, deps, p)
		if !ok {
			return
		}

		actor := d.Session.Username
		tables, err := dash.Export(r.Context(), p, reportQuery(r))
		if err != nil {
			auditReq(deps.Audit, r, actor, audit.ActionExport, p.ID, audit.OutcomeFailure, err.Error())
			writeServiceError(w, r, deps.Logger, err, "export failed")
			return
		}
		var buf bytes.Buffer
		if err := report.WriteWorkbook(&buf, tables); err != nil {
			auditReq(deps.Audit, r, actor, audit.ActionExport, p.ID, audit.OutcomeFailure, err.Error())
			writeServiceError(w, r, deps.Logger, err, "export failed")
			return
		}
		auditReq(deps.Audit, r, actor, audit.ActionExport, p.ID, audit.OutcomeSuccess, "")

		w.Header().Set("Content-Type", report.WorkbookMIME)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.ID+".xlsx"))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	})
}

func registerPresetHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /v1/projects/{id}/presets", func(w http.ResponseWriter, r *http.Request) {
		d, p, ok := presetScope(w, r, deps)
		if !ok {
			return
		}
		items, err := deps.Presets.List(r.Context(), d.Session.Username, p.ID)
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "list presets failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})

	mux.HandleFunc("POST /v1/projects/{id}/presets", func(w http.ResponseWriter, r *http.Request) {
		d, p, ok := presetScope(w, r, deps)
		if !ok {
			return
		}
		var req struct {
			Name    string            `json:"name"`
			Filters map[string]string `json:"filters"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := deps.Presets.Create(r.Context(), presets.Preset{
			Owner:   d.Session.Username,
			Project: p.ID,
			Name:    req.Name,
			Filters: req.Filters,
		})
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "create preset failed")
			return
		}
		auditReq(deps.Audit, r, d.Session.Username, audit.ActionPresetCreate, created.ID, audit.OutcomeSuccess, "")
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("GET /v1/presets/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := presetSession(w, r, deps)
		if !ok {
			return
		}
		p, err := deps.Presets.Get(r.Context(), d.Session.Username, r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "get preset failed")
			return
		}
		writeJSON(w, http.StatusOK, p)
	})

	mux.HandleFunc("PUT /v1/presets/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := presetSession(w, r, deps)
		if !ok {
			return
		}
		var req struct {
			Name    string            `json:"name"`
			Filters map[string]string `json:"filters"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		updated, err := deps.Presets.Update(r.Context(), d.Session.Username, r.PathValue("id"), presets.Preset{
			Name:    req.Name,
			Filters: req.Filters,
		})
		if err != nil {
			writeServiceError(w, r, deps.Logger, err, "update preset failed")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})

	mux.HandleFunc("DELETE /v1/presets/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, ok := presetSession(w, r, deps)
		if !ok {
			return
		}
		id := r.PathValue("id")
		if err := deps.Presets.Delete(r.Context(), d.Session.Username, id); err != nil {
			writeServiceError(w, r, deps.Logger, err, "delete preset failed")
			return
		}
		auditReq(deps.Audit, r, d.Session.Username, audit.ActionPresetDelete, id, audit.OutcomeSuccess, "")
		w.WriteHeader(http.StatusNoContent)
	})
}

// visibleProject loads the {id} project. Projects the session may not see are
// reported exactly like unknown ones.
func visibleProject(w http.ResponseWriter, r *http.Request, deps Deps, d auth.Decision) (catalog.Project, bool) {
	if deps.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return catalog.Project{}, false
	}
	p, err := deps.Catalog.Get(r.PathValue("id"))
	if err != nil || !d.Session.User.PermittedProjects.Allows(p.ID) {
		writeError(w, http.StatusNotFound, "project not found")
		return catalog.Project{}, false
	}
	return p, true
}

func lookupDashboard(w http.ResponseWriter, deps Deps, p catalog.Project) (report.Dashboard, bool) {
	if deps.Dashboards == nil {
		writeError(w, http.StatusServiceUnavailable, "dashboards unavailable")
		return nil, false
	}
	dash, err := deps.Dashboards.Lookup(p.Kind)
	if err != nil {
		writeError(w, http.StatusNotFound, "dashboard not available")
		return nil, false
	}
	return dash, true
}

func projectDashboard(w http.ResponseWriter, r *http.Request, deps Deps) (catalog.Project, report.Dashboard, bool) {
	d, ok := requireSession(w, r, deps, "")
	if !ok {
		return catalog.Project{}, nil, false
	}
	p, ok := visibleProject(w, r, deps, d)
	if !ok {
		return catalog.Project{}, nil, false
	}
	dash, ok := lookupDashboard(w, deps, p)
	if !ok {
		return catalog.Project{}, nil, false
	}
	return p, dash, true
}

func presetSession(w http.ResponseWriter, r *http.Request, deps Deps) (auth.Decision, bool) {
	d, ok := requireSession(w, r, deps, "")
	if !ok {
		return auth.Decision{}, false
	}
	if deps.Presets == nil {
		writeError(w, http.StatusServiceUnavailable, "preset service unavailable")
		return auth.Decision{}, false
	}
	return d, true
}

func presetScope(w http.ResponseWriter, r *http.Request, deps Deps) (auth.Decision, catalog.Project, bool) {
	d, ok := presetSession(w, r, deps)
	if !ok {
		return auth.Decision{}, catalog.Project{}, false
	}
	p, ok := visibleProject(w, r, deps, d)
	if !ok {
		return auth.Decision{}, catalog.Project{}, false
	}
	return d, p, true
}

// reportQuery turns the query string into filter selections. The session
// parameters are not filters.
func reportQuery(r *http.Request) report.Query {
	q := report.Query{}
	for k, v := range r.URL.Query() {
		if k == "token" || k == "project" || len(v) == 0 {
			continue
		}
		q[k] = v[0]
	}
	return q
}
