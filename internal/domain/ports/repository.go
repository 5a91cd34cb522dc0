package ports

import (
	"context"

	"torrentjobs/internal/domain"
)

type JobRepository interface {
	Upsert(ctx context.Context, r domain.JobRecord) error
	UpdateStatus(ctx context.Context, id domain.JobID, status domain.JobStatus, lastErr string) error
	MarkRemoved(ctx context.Context, id domain.JobID) error
	Get(ctx context.Context, id domain.JobID) (domain.JobRecord, error)
	List(ctx context.Context, filter domain.RecordFilter) ([]domain.JobRecord, error)
}
