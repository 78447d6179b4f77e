package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/procomm/phonebridge/internal/database/models"
	"github.com/procomm/phonebridge/internal/engine"
	"github.com/procomm/phonebridge/internal/line"
)

// handleHealth reports engine health: 200 when calls can be placed, 503
// otherwise. The body is the same either way.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.lines.Health()
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleListLines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lines.Lines())
}

func (s *Server) handleGetLine(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "line id must be a number")
		return
	}
	if !line.ValidLineID(id) {
		writeError(w, http.StatusNotFound, "no such line")
		return
	}

	snap, err := s.lines.GetLine(id)
	if errors.Is(err, engine.ErrInvalidArgument) {
		writeError(w, http.StatusNotFound, "no such line")
		return
	}
	if err != nil {
		s.logger.Error("failed to read line", "line", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleListCalls returns recent call records, newest first. Optional
// query parameters: line (1-8) and limit.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call log disabled")
		return
	}

	lineID, ok := queryInt(r, "line", 0)
	if !ok || (lineID != 0 && !line.ValidLineID(lineID)) {
		writeError(w, http.StatusBadRequest, "line must be 1-8")
		return
	}
	limit, ok := queryInt(r, "limit", defaultLimit)
	if !ok || limit == 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive number")
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	recs, err := s.calls.List(r.Context(), lineID, limit)
	if err != nil {
		s.logger.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []models.CallRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
