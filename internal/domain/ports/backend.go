package ports

import (
	"context"

	"torrentjobs/internal/domain"
)

// Backend opens native transfer sessions. Implementations must be safe to
// Open again after a previous session was closed.
type Backend interface {
	Name() string
	Open(ctx context.Context, cfg domain.EngineConfig) (NativeSession, error)
}

// Handle is a non-owning reference to a job inside a native session.
type Handle interface {
	JobID() domain.JobID
}

// NativeSession is a running native transfer session. Operations on a
// handle that no longer belongs to the session return domain.ErrNotFound.
type NativeSession interface {
	Admit(ctx context.Context, src domain.Source) (Handle, error)
	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error
	Remove(ctx context.Context, h Handle) error
	Status(h Handle) (domain.JobStatus, error)
	Info(h Handle) (domain.JobInfo, error)

	// LoadState re-admits jobs persisted by a previous SaveState.
	LoadState(ctx context.Context) ([]Handle, error)
	SaveState(ctx context.Context) error

	// Discovery returns the peer discovery subsystem, or nil when disabled.
	Discovery() PeerDiscovery
	Close() error
}

type PeerDiscovery interface {
	Start(ctx context.Context) error
	Stop() error
}
