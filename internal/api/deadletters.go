package api

import (
	"net/http"
	"strconv"
)

// Dead-letter listing bounds.
const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// handleListDeadLetters returns the newest dead letters.
//
// Query parameters:
//   - limit: number of records (default 100, max 1000)
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	records, err := s.state.Outbox.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing dead letters failed", "error", err)
		writeUnavailable(w, "failed to list dead letters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": records,
		"count":        len(records),
		"total":        s.state.DeadLettered(),
	})
}

// handleSweepDeadLetters runs the retention sweep now.
func (s *Server) handleSweepDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("dead-letter sweep failed", "error", err)
		writeUnavailable(w, "dead-letter sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}
