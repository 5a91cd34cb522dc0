package ports

import (
	"context"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/events"
)

// Engine is the job engine surface used by the host process.
type Engine interface {
	Initialize(cfg domain.EngineConfig) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() domain.EngineState

	AddJob(descs ...*domain.Descriptor) error
	PauseJob(ids ...domain.JobID) error
	ResumeJob(ids ...domain.JobID) error
	RemoveJob(ids ...domain.JobID) error

	JobIDs() []domain.JobID
	JobInfo(id domain.JobID) (domain.JobInfo, error)
	IsAnyJobRunning() bool
	SaveResumeState(ctx context.Context) error

	Subscribe(types ...domain.EventType) *events.Subscription
	SetJobListener(id domain.JobID, l domain.Listener)
	RemoveJobListener(id domain.JobID)
}
