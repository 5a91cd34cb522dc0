package apihttp

import (
	"net/http"
	"strconv"
	"strings"

	"torrentjobs/internal/domain"
)

type historyResponse struct {
	Items []domain.JobRecord `json:"items"`
	Count int                `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "job history not configured")
		return
	}

	query := r.URL.Query()
	status, err := parseStatus(query.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid status")
		return
	}
	limit, err := parseNonNegativeInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	if limit == 0 {
		limit = 50
	}
	offset, err := parseNonNegativeInt(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return
	}
	includeRemoved, _ := strconv.ParseBool(query.Get("includeRemoved"))

	records, err := s.history.List(r.Context(), domain.RecordFilter{
		Status:         status,
		IncludeRemoved: includeRemoved,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if records == nil {
		records = []domain.JobRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: records, Count: len(records)})
}

func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "job history not configured")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/history/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	rec, err := s.history.Get(r.Context(), domain.JobID(id))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
