package apihttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"torrentjobs/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindState:
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	case domain.KindAdmission:
		writeError(w, http.StatusBadRequest, "admission_failed", err.Error())
	case domain.KindGateway, domain.KindCancelled:
		writeError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// saveUploadedFile stores an uploaded metafile under dir with a unique name.
func saveUploadedFile(src io.Reader, filename, dir string) (string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload.torrent"
	}
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".torrent"
	}

	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(dir, prefix+"-*"+ext)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

func parseStatus(value string) (domain.JobStatus, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "all" {
		return "", nil
	}
	switch status := domain.JobStatus(value); status {
	case domain.JobPending, domain.JobDownloading, domain.JobPaused, domain.JobCompleted, domain.JobError:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}

func parseNonNegativeInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid integer")
	}
	return parsed, nil
}
