package domain

// JobStatus is the native transfer status of an admitted job.
type JobStatus string

const (
	JobPending     JobStatus = "pending" // Metadata not yet available.
	JobDownloading JobStatus = "downloading"
	JobPaused      JobStatus = "paused"
	JobCompleted   JobStatus = "completed"
	JobError       JobStatus = "error"
)

// Running reports whether a job in this status is actively transferring.
func (s JobStatus) Running() bool {
	return s == JobPending || s == JobDownloading
}
