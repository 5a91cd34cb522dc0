package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
)

// Gateway owns the native session. Start and Stop are serialized by a
// mutex; every other call reads the live session without locking.
type Gateway struct {
	backend ports.Backend
	logger  *slog.Logger

	mu   sync.Mutex
	live atomic.Pointer[liveSession]
}

type liveSession struct {
	native    ports.NativeSession
	discovery ports.PeerDiscovery
	// guarded by Gateway.mu
	discovering bool
}

func NewGateway(backend ports.Backend, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backend: backend, logger: logger}
}

// Start opens the native session if it is not open yet and loads persisted
// resume state. The restored handles are returned by the call that actually
// opened the session; concurrent or repeated calls return none.
func (g *Gateway) Start(ctx context.Context, cfg domain.EngineConfig) ([]ports.Handle, error) {
	if g.live.Load() != nil {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live.Load() != nil {
		return nil, nil
	}

	native, err := g.backend.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s session: %v", domain.ErrGateway, g.backend.Name(), err)
	}

	restored, err := native.LoadState(ctx)
	if err != nil {
		g.logger.Warn("resume state not loaded",
			slog.String("backend", g.backend.Name()),
			slog.String("error", err.Error()),
		)
		restored = nil
	}

	g.live.Store(&liveSession{native: native, discovery: native.Discovery()})
	g.logger.Info("native session started",
		slog.String("backend", g.backend.Name()),
		slog.Int("restored", len(restored)),
	)
	return restored, nil
}

func (g *Gateway) StartDiscovery(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.live.Load()
	if s == nil {
		return errNotStarted
	}
	if s.discovery == nil || s.discovering {
		return nil
	}
	if err := s.discovery.Start(ctx); err != nil {
		return fmt.Errorf("%w: start peer discovery: %v", domain.ErrGateway, err)
	}
	s.discovering = true
	return nil
}

func (g *Gateway) Started() bool {
	return g.live.Load() != nil
}

var errNotStarted = fmt.Errorf("%w: session not started", domain.ErrGateway)

func (g *Gateway) native() (ports.NativeSession, error) {
	s := g.live.Load()
	if s == nil {
		return nil, errNotStarted
	}
	return s.native, nil
}

// Admit blocks until the native session returns a handle for src.
func (g *Gateway) Admit(ctx context.Context, src domain.Source) (domain.JobID, ports.Handle, error) {
	native, err := g.native()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", domain.ErrAdmission, err)
	}
	h, err := native.Admit(ctx, src)
	if err != nil {
		if errors.Is(err, domain.ErrAdmission) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %w", domain.ErrAdmission, err)
	}
	if h == nil || h.JobID() == "" {
		return "", nil, fmt.Errorf("%w: native session returned no job id", domain.ErrAdmission)
	}
	return h.JobID(), h, nil
}

func (g *Gateway) Pause(ctx context.Context, h ports.Handle) error {
	native, err := g.native()
	if err != nil {
		return err
	}
	return native.Pause(ctx, h)
}

func (g *Gateway) Resume(ctx context.Context, h ports.Handle) error {
	native, err := g.native()
	if err != nil {
		return err
	}
	return native.Resume(ctx, h)
}

func (g *Gateway) Remove(ctx context.Context, h ports.Handle) error {
	native, err := g.native()
	if err != nil {
		return err
	}
	return native.Remove(ctx, h)
}

func (g *Gateway) Status(h ports.Handle) (domain.JobStatus, error) {
	native, err := g.native()
	if err != nil {
		return "", err
	}
	return native.Status(h)
}

func (g *Gateway) Info(h ports.Handle) (domain.JobInfo, error) {
	native, err := g.native()
	if err != nil {
		return domain.JobInfo{}, err
	}
	return native.Info(h)
}

func (g *Gateway) SaveState(ctx context.Context) error {
	native, err := g.native()
	if err != nil {
		return err
	}
	if err := native.SaveState(ctx); err != nil {
		return fmt.Errorf("%w: save resume state: %v", domain.ErrGateway, err)
	}
	return nil
}

// Stop saves resume state, stops discovery and closes the native session.
// The session is released even when one of the steps fails, so a later
// Start opens a fresh one. Stopping a gateway that never started is a no-op.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.live.Load()
	if s == nil {
		return nil
	}
	g.live.Store(nil)

	var errs []error
	if err := s.native.SaveState(ctx); err != nil {
		g.logger.Warn("resume state not saved", slog.String("error", err.Error()))
	}
	if s.discovery != nil && s.discovering {
		if err := s.discovery.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop peer discovery: %w", err))
		}
		s.discovering = false
	}
	if err := s.native.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrGateway, errors.Join(errs...))
	}
	g.logger.Info("native session stopped", slog.String("backend", g.backend.Name()))
	return nil
}
