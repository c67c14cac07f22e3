package server

import (
	"net/http"

	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/version"
)

// HandleHealth serves health check endpoint with version info
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Engine.Stats(r.Context())
	status := "ok"
	code := http.StatusOK
	if err != nil || s.State() != ServerStateRunning {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":   status,
		"version":  version.Get(),
		"engine":   stats,
		"sessions": s.SessionCount(),
		"state":    s.State().String(),
	}
	if err := writeJSON(w, code, health); err != nil {
		s.log.Debugw("Failed to write health response", logger.FieldError, err.Error())
	}
}
