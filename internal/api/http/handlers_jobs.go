package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"torrentjobs/internal/domain"
)

const maxMetafileUpload = 5 << 20

func newRequestID() string { return uuid.NewString() }

type createJobJSON struct {
	Magnet   string `json:"magnet"`
	CallerID string `json:"callerId,omitempty"`
}

type createJobResponse struct {
	CallerID string        `json:"callerId"`
	Source   domain.Source `json:"source"`
}

type jobListResponse struct {
	Items []domain.JobInfo `json:"items"`
	Count int              `json:"count"`
}

type engineResponse struct {
	State   domain.EngineState `json:"state"`
	Jobs    int                `json:"jobs"`
	Running bool               `json:"running"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	var src domain.Source
	var callerID string
	switch mediaType {
	case "application/json":
		var body createJobJSON
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		src = domain.MagnetSource(body.Magnet)
		callerID = strings.TrimSpace(body.CallerID)
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxMetafileUpload)
		if err := r.ParseMultipartForm(maxMetafileUpload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("metafile")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "missing metafile")
			return
		}
		defer file.Close()
		path, err := saveUploadedFile(file, header.Filename, s.metafileDir)
		if err != nil {
			s.logger.Error("store uploaded metafile failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to store metafile")
			return
		}
		src = domain.MetafileSource(path)
		callerID = strings.TrimSpace(r.FormValue("callerId"))
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type")
		return
	}

	if err := src.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if callerID == "" {
		callerID = requestIDFrom(r.Context())
	}
	if callerID == "" {
		callerID = s.newRequestID()
	}

	if err := s.engine.AddJob(&domain.Descriptor{Source: src, CallerID: callerID}); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{CallerID: callerID, Source: src})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.JobIDs()
	items := make([]domain.JobInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.engine.JobInfo(id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			writeEngineError(w, err)
			return
		}
		items = append(items, info)
	}
	writeJSON(w, http.StatusOK, jobListResponse{Items: items, Count: len(items)})
}

// handleJobByID serves /jobs/{id}, /jobs/{id}/pause and /jobs/{id}/resume.
// Commands are asynchronous; their outcome is reported over /ws.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	parts := strings.Split(tail, "/")
	if tail == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := domain.JobID(parts[0])

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "pause":
			s.runJobCommand(w, id, s.engine.PauseJob)
		case "resume":
			s.runJobCommand(w, id, s.engine.ResumeJob)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, err := s.engine.JobInfo(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		s.runJobCommand(w, id, s.engine.RemoveJob)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) runJobCommand(w http.ResponseWriter, id domain.JobID, cmd func(...domain.JobID) error) {
	if _, err := s.engine.JobInfo(id); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := cmd(id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]domain.JobID{"id": id})
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, engineResponse{
		State:   s.engine.State(),
		Jobs:    len(s.engine.JobIDs()),
		Running: s.engine.IsAnyJobRunning(),
	})
}
