package usecase

import (
	"context"
	"log/slog"
	"time"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/events"
)

type IdleSource interface {
	Subscribe(types ...domain.EventType) *events.Subscription
	Idle() bool
}

// IdleShutdown calls Shutdown once the engine is idle and still idle after
// the grace period. It checks on entry, since the engine may have gone idle
// before Run subscribed, and again on every no_more_tasks event.
type IdleShutdown struct {
	Engine   IdleSource
	Logger   *slog.Logger
	Grace    time.Duration
	Shutdown func()
}

func (uc IdleShutdown) Run(ctx context.Context) {
	logger := uc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sub := uc.Engine.Subscribe(domain.EventNoMoreTasks)
	defer sub.Close()

	check := uc.Engine.Idle()
	for {
		if !check {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
			}
		}
		check = false

		if uc.Grace > 0 {
			timer := time.NewTimer(uc.Grace)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if !uc.Engine.Idle() {
			logger.Debug("idle shutdown skipped, engine busy again")
			continue
		}
		logger.Info("no more tasks, shutting down")
		if uc.Shutdown != nil {
			uc.Shutdown()
		}
		return
	}
}
