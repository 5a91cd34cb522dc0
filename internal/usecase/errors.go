package usecase

import (
	"errors"
	"fmt"

	"torrentjobs/internal/domain"
)

// Recorder failures are classified by which side let it down: the job engine
// it queries, or the history store it writes to. Both keep the cause in the
// chain, so domain sentinels such as ErrNotFound still match.
var (
	ErrJobQuery     = errors.New("job query failed")
	ErrHistoryWrite = errors.New("job history write failed")
)

func jobQueryError(id domain.JobID, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: job %s: %w", ErrJobQuery, id, err)
}

// historyWriteError names the store operation, e.g. "upsert".
func historyWriteError(op string, id domain.JobID, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s job %s: %w", ErrHistoryWrite, op, id, err)
}
