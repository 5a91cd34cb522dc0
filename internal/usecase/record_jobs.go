package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
	"torrentjobs/internal/events"
)

// JobEvents is the part of the engine the history recorder reads from.
type JobEvents interface {
	Subscribe(types ...domain.EventType) *events.Subscription
	JobIDs() []domain.JobID
	JobInfo(id domain.JobID) (domain.JobInfo, error)
}

// RecordJobs mirrors job events into the history repository and refreshes
// names and statuses of live jobs on an interval.
type RecordJobs struct {
	Engine   JobEvents
	Repo     ports.JobRepository
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

func (uc RecordJobs) Run(ctx context.Context) {
	interval := uc.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &recorder{uc: uc, known: make(map[domain.JobID]domain.JobRecord)}
	if r.uc.Logger == nil {
		r.uc.Logger = slog.Default()
	}
	if r.uc.Now == nil {
		r.uc.Now = time.Now
	}

	sub := uc.Engine.Subscribe(
		domain.EventJobAdded,
		domain.EventJobPaused,
		domain.EventJobResumed,
		domain.EventJobRemoved,
		domain.EventJobFailed,
		domain.EventEngineStopped,
	)
	defer sub.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			r.handle(ctx, ev)
		case <-ticker.C:
			r.sync(ctx)
		}
	}
}

type recorder struct {
	uc    RecordJobs
	known map[domain.JobID]domain.JobRecord
}

func (r *recorder) now() time.Time { return r.uc.Now().UTC() }

func (r *recorder) handle(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventJobAdded:
		r.added(ctx, ev)
	case domain.EventJobPaused:
		r.setStatus(ctx, ev.JobID, domain.JobPaused, "")
	case domain.EventJobResumed:
		status := domain.JobDownloading
		if info, err := r.uc.Engine.JobInfo(ev.JobID); err == nil {
			status = info.Status
		}
		r.setStatus(ctx, ev.JobID, status, "")
	case domain.EventJobRemoved:
		delete(r.known, ev.JobID)
		if err := historyWriteError("mark removed", ev.JobID, r.uc.Repo.MarkRemoved(ctx, ev.JobID)); err != nil {
			r.warn("history: mark removed failed", ev.JobID, err)
		}
	case domain.EventJobFailed:
		r.failed(ctx, ev)
	case domain.EventEngineStopped:
		r.known = make(map[domain.JobID]domain.JobRecord)
	}
}

func (r *recorder) added(ctx context.Context, ev domain.Event) {
	now := r.now()
	rec, ok := r.known[ev.JobID]
	if !ok {
		rec = domain.JobRecord{ID: ev.JobID, Status: domain.JobPending, CreatedAt: now}
	}
	if ev.CallerID != "" {
		rec.CallerID = ev.CallerID
	}
	if ev.Source != nil {
		rec.Source = *ev.Source
	}
	if info, err := r.uc.Engine.JobInfo(ev.JobID); err == nil {
		rec.Name = info.Name
		rec.Status = info.Status
		if rec.Source == (domain.Source{}) {
			rec.Source = info.Source
		}
	}
	rec.Removed = false
	rec.UpdatedAt = now
	r.upsert(ctx, rec)
}

// failed records the error on the job. The status comes from the engine
// when the job is still known there; a failed admission has no job.
func (r *recorder) failed(ctx context.Context, ev domain.Event) {
	if ev.JobID == "" || ev.Kind == domain.KindNotFound {
		return
	}
	status := domain.JobError
	if info, err := r.uc.Engine.JobInfo(ev.JobID); err == nil {
		status = info.Status
	}
	r.setStatus(ctx, ev.JobID, status, ev.Error)
}

func (r *recorder) setStatus(ctx context.Context, id domain.JobID, status domain.JobStatus, lastErr string) {
	err := r.uc.Repo.UpdateStatus(ctx, id, status, lastErr)
	if errors.Is(err, domain.ErrNotFound) {
		rec := domain.JobRecord{ID: id, Status: status, LastError: lastErr, CreatedAt: r.now(), UpdatedAt: r.now()}
		r.upsert(ctx, rec)
		return
	}
	if err != nil {
		r.warn("history: update status failed", id, historyWriteError("update status", id, err))
		return
	}
	if rec, ok := r.known[id]; ok {
		rec.Status = status
		rec.LastError = lastErr
		r.known[id] = rec
	}
}

func (r *recorder) upsert(ctx context.Context, rec domain.JobRecord) {
	if err := r.uc.Repo.Upsert(ctx, rec); err != nil {
		r.warn("history: upsert failed", rec.ID, historyWriteError("upsert", rec.ID, err))
		return
	}
	r.known[rec.ID] = rec
}

// sync picks up name and status changes that are not announced by events,
// such as metadata arrival and download completion.
func (r *recorder) sync(ctx context.Context) {
	for _, id := range r.uc.Engine.JobIDs() {
		rec, ok := r.known[id]
		if !ok {
			continue
		}
		info, err := r.uc.Engine.JobInfo(id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.warn("history: job info failed", id, jobQueryError(id, err))
			}
			continue
		}
		if info.Name == rec.Name && info.Status == rec.Status {
			continue
		}
		rec.Name = info.Name
		rec.Status = info.Status
		rec.UpdatedAt = r.now()
		r.upsert(ctx, rec)
	}
}

func (r *recorder) warn(msg string, id domain.JobID, err error) {
	r.uc.Logger.Warn(msg, slog.String("jobId", string(id)), slog.String("error", err.Error()))
}
