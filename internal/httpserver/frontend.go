package httpserver

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"analyticsvr/dashboard/internal/auth"
)

func registerFrontendHandlers(mux *http.ServeMux, deps Deps) {
	distDir := strings.TrimSpace(deps.FrontendDistDir)
	if distDir == "" {
		return
	}
	indexPath := filepath.Join(distDir, "index.html")
	if _, err := os.Stat(indexPath); err != nil {
		return
	}

	fileServer := http.FileServer(http.Dir(distDir))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		cleanPath := path.Clean(r.URL.Path)
		if cleanPath != "." && cleanPath != "/" {
			fullPath := filepath.Join(distDir, strings.TrimPrefix(cleanPath, "/"))
			if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
				fileServer.ServeHTTP(w, r)
				return
			}
		}

		if redirectCanonical(w, r, deps.Sessions) {
			return
		}
		// SPA fallback.
		http.ServeFile(w, r, indexPath)
	})
}

// redirectCanonical sends a page load whose token parameter is stale to the
// same URL with the parameter corrected. Only the URL channel exists on a page
// load, so the retained token is empty.
func redirectCanonical(w http.ResponseWriter, r *http.Request, sessions SessionManager) bool {
	q := r.URL.Query()
	if sessions == nil || !q.Has("token") {
		return false
	}
	d := sessions.Resolve(r.Context(), auth.RequestContext{
		URLToken:        q.Get("token"),
		SelectedProject: q.Get("project"),
	})
	switch d.URLAction {
	case auth.URLStrip:
		q.Del("token")
	case auth.URLSet:
		q.Set("token", d.Token)
	default:
		return false
	}
	u := *r.URL
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.RequestURI(), http.StatusFound)
	return true
}
