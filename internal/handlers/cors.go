package handlers

import (
	"net/http"
	"slices"
)

// AllowOrigins lets host pages from the given origins call the widget endpoints. The loader only issues
// simple requests (form posts, GET and EventSource), so no preflight handling beyond OPTIONS is needed.
// A "*" entry allows every origin.
func AllowOrigins(origins []string, next http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (anyOrigin || slices.Contains(origins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
