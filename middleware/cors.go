// Package middleware carries the ambient HTTP hygiene wrapped around
// triaged's debug and metrics surface. Grounded on
// control_plane/middleware/cors.go, kept verbatim in shape: this pipeline
// has no tenant or auth concept (spec.md Non-goal), so only CORS survives
// the trim.
package middleware

import "net/http"

// CORS adds permissive cross-origin headers so a dashboard served from a
// different origin can hit /submit, /debug/snapshot and /metrics.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
