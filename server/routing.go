package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMetricsPath = "/metrics"

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("GET /websocket", s.HandleWebSocket) // Publication protocol
	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))

	docs := "/api/collections/{collection}/{id}"
	s.mux.HandleFunc("GET "+docs, s.corsMiddleware(s.HandleGetDocument))
	s.mux.HandleFunc("PUT "+docs, s.corsMiddleware(s.HandlePutDocument))     // Upsert
	s.mux.HandleFunc("PATCH "+docs, s.corsMiddleware(s.HandlePatchDocument)) // Merge patch, null unsets
	s.mux.HandleFunc("DELETE "+docs, s.corsMiddleware(s.HandleDeleteDocument))
	s.mux.HandleFunc("OPTIONS "+docs, s.corsMiddleware(func(http.ResponseWriter, *http.Request) {}))

	if s.opts.Gatherer != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = defaultMetricsPath
		}
		s.mux.Handle("GET "+path, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// corsMiddleware adds CORS headers to HTTP responses using configured allowed origins.
// Uses the same origin validation as WebSocket connections.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin prefix-matches the Origin header against AllowedOrigins.
// Same-process tools and CLIs send no Origin and are always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	s.log.Warnw("Rejected origin", "origin", origin)
	return false
}
