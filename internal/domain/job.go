package domain

import (
	"errors"
	"time"
)

// JobID is the engine-assigned identifier of an admitted job: the lower-case
// hex info-hash of its torrent.
type JobID string

func (id JobID) String() string { return string(id) }

// JobInfo describes the runtime details of an admitted job.
type JobInfo struct {
	ID         JobID     `json:"id"`
	Name       string    `json:"name"`
	Status     JobStatus `json:"status"`
	Source     Source    `json:"source"`
	TotalBytes int64     `json:"totalBytes"`
	DoneBytes  int64     `json:"doneBytes"`
	Progress   float64   `json:"progress"`
	Peers      int       `json:"peers"`

	// Transfer rates in bytes/sec, sampled between calls.
	DownloadRate int64 `json:"downloadRate"`
	UploadRate   int64 `json:"uploadRate"`
}

// JobRecord is the persisted history entry of a job.
type JobRecord struct {
	ID        JobID     `json:"id"`
	CallerID  string    `json:"callerId,omitempty"`
	Name      string    `json:"name"`
	Source    Source    `json:"source"`
	Status    JobStatus `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	Removed   bool      `json:"removed"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks domain invariants for JobRecord.
func (r JobRecord) Validate() error {
	if r.ID == "" {
		return errors.New("job id is required")
	}
	switch r.Status {
	case JobPending, JobDownloading, JobPaused, JobCompleted, JobError:
	case "":
		return errors.New("status is required")
	default:
		return errors.New("invalid status: " + string(r.Status))
	}
	return nil
}

// RecordFilter narrows a history listing.
type RecordFilter struct {
	Status         JobStatus `json:"status,omitempty"`
	IncludeRemoved bool      `json:"includeRemoved,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}
