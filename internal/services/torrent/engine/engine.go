// Package engine drives transfer jobs through a pluggable native backend.
//
// All mutating job operations are queued on a dispatcher and return
// immediately; their outcomes are published as events. Only lifecycle and
// gateway failures are returned to the caller.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
	"torrentjobs/internal/events"
	"torrentjobs/internal/metrics"
	"torrentjobs/internal/services/torrent/dispatch"
	"torrentjobs/internal/services/torrent/registry"
)

type Engine struct {
	logger   *slog.Logger
	bus      *events.Bus
	registry *registry.Registry
	gateway  *Gateway
	newID    func() string

	// lifecycle serializes Initialize, Start and Stop.
	lifecycle sync.Mutex
	cfg       domain.EngineConfig

	stateMu    sync.RWMutex
	state      domain.EngineState
	dispatcher *dispatch.Dispatcher

	pending atomic.Int64

	idleMu sync.Mutex
	idle   bool

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBus makes the engine publish on a shared bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithIDGenerator overrides how request ids are generated for descriptors
// submitted without a caller id.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func New(backend ports.Backend, opts ...Option) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		bus:      events.NewBus(),
		registry: registry.New(),
		newID:    uuid.NewString,
		state:    domain.StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gateway = NewGateway(backend, e.logger)
	metrics.SetEngineState(e.state)
	return e
}

func (e *Engine) State() domain.EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s domain.EngineState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
	metrics.SetEngineState(s)
	e.logger.Info("engine state changed", slog.String("state", string(s)))
}

// Initialize validates and stores cfg. It is accepted on a fresh engine and
// on a stopped one, which restarts it with the new configuration.
func (e *Engine) Initialize(cfg domain.EngineConfig) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	cur := e.State()
	if !domain.CanTransition(cur, domain.StateInitializing) {
		return &domain.StateError{
			Op:       "initialize",
			Current:  cur,
			Required: []domain.EngineState{domain.StateUninitialized, domain.StateStopped},
		}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.registry.Clear()
	e.setState(domain.StateInitializing)
	return nil
}

// Start opens the native session, starts peer discovery and begins
// accepting commands. On failure the engine stays Initializing and Start
// may be retried.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	cur := e.State()
	if cur != domain.StateInitializing {
		return &domain.StateError{Op: "start", Current: cur, Required: []domain.EngineState{domain.StateInitializing}}
	}

	restored, err := e.gateway.Start(ctx, e.cfg)
	if err != nil {
		e.logger.Error("engine start failed", slog.String("error", err.Error()))
		return err
	}
	if err := e.gateway.StartDiscovery(ctx); err != nil {
		e.logger.Warn("peer discovery unavailable", slog.String("error", err.Error()))
	}

	for _, h := range restored {
		e.registry.Put(h.JobID(), h)
	}
	metrics.RegisteredJobs.Set(float64(e.registry.Len()))

	d := dispatch.New(e.cfg.Workers, dispatch.WithLogger(e.logger))
	e.idleMu.Lock()
	e.idle = false
	e.idleMu.Unlock()

	e.stateMu.Lock()
	e.dispatcher = d
	e.state = domain.StateStarted
	e.stateMu.Unlock()
	metrics.SetEngineState(domain.StateStarted)
	e.logger.Info("engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Int("restoredJobs", len(restored)),
	)

	e.publish(domain.Event{Type: domain.EventEngineStarted})
	for _, h := range restored {
		e.publish(domain.Event{Type: domain.EventJobAdded, JobID: h.JobID(), Restored: true})
	}
	e.startMonitor()
	e.checkIdle()
	return nil
}

// Stop drains queued commands, clears the registry and closes the native
// session. Stopping a stopped engine is a no-op. If the session fails to
// close the engine stays Stopping and Stop may be retried.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	cur := e.State()
	switch cur {
	case domain.StateStopped:
		return nil
	case domain.StateStarted, domain.StateStopping:
	default:
		return &domain.StateError{Op: "stop", Current: cur, Required: []domain.EngineState{domain.StateStarted, domain.StateStopping}}
	}

	e.stateMu.Lock()
	e.state = domain.StateStopping
	d := e.dispatcher
	e.dispatcher = nil
	e.stateMu.Unlock()
	metrics.SetEngineState(domain.StateStopping)

	e.stopMonitor()
	if d != nil {
		drainCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
		abandoned := d.Drain(drainCtx)
		cancel()
		if abandoned > 0 {
			e.logger.Warn("commands abandoned on stop", slog.Int("count", abandoned))
		}
	}

	e.registry.Clear()
	metrics.RegisteredJobs.Set(0)
	metrics.RunningJobs.Set(0)

	if err := e.gateway.Stop(ctx); err != nil {
		e.logger.Error("engine stop failed", slog.String("error", err.Error()))
		return err
	}

	e.bus.UnbindAll()
	e.setState(domain.StateStopped)
	e.publish(domain.Event{Type: domain.EventEngineStopped})
	return nil
}

// AddJob queues one admission per non-nil descriptor. The assigned JobID is
// delivered by the job_added event, which echoes the descriptor's caller id.
func (e *Engine) AddJob(descs ...*domain.Descriptor) error {
	d, err := e.acceptingDispatcher("addJob")
	if err != nil {
		return err
	}
	for _, desc := range descs {
		if desc == nil {
			continue
		}
		e.submitAdmission(d, *desc)
	}
	return nil
}

func (e *Engine) submitAdmission(d *dispatch.Dispatcher, desc domain.Descriptor) {
	if desc.CallerID == "" {
		desc.CallerID = e.newID()
	}
	if err := desc.Source.Validate(); err != nil {
		e.publishAdmissionFailure(desc, fmt.Errorf("%w: %w", domain.ErrAdmission, err))
		e.checkIdle()
		return
	}

	e.pending.Add(1)
	metrics.PendingAdmissions.Inc()
	var once sync.Once
	done := func() { once.Do(e.admissionDone) }

	d.Submit(dispatch.Command{
		Kind: dispatch.KindAdmit,
		Key:  desc.Source.Key(),
		Run: func(ctx context.Context) error {
			defer done()
			return e.admit(ctx, desc)
		},
		Fail: func(err error) {
			e.publishAdmissionFailure(desc, err)
			done()
		},
	})
}

func (e *Engine) admit(ctx context.Context, desc domain.Descriptor) error {
	id, h, err := e.gateway.Admit(ctx, desc.Source)
	if err != nil {
		e.logger.Warn("job admission failed",
			slog.String("callerId", desc.CallerID),
			slog.String("source", desc.Source.String()),
			slog.String("error", err.Error()),
		)
		e.publishAdmissionFailure(desc, err)
		return err
	}

	if _, ok := e.registry.PutIfUnder(id, h, e.cfg.MaxJobs); !ok {
		if rmErr := e.gateway.Remove(ctx, h); rmErr != nil {
			e.logger.Warn("failed to drop job over limit",
				slog.String("jobId", string(id)),
				slog.String("error", rmErr.Error()),
			)
		}
		err = fmt.Errorf("%w: %w (max %d)", domain.ErrAdmission, domain.ErrJobLimitReached, e.cfg.MaxJobs)
		e.publishAdmissionFailure(desc, err)
		return err
	}
	metrics.RegisteredJobs.Set(float64(e.registry.Len()))
	if desc.Listener != nil {
		e.bus.Bind(id, desc.Listener)
	}
	e.logger.Info("job added",
		slog.String("jobId", string(id)),
		slog.String("callerId", desc.CallerID),
	)
	src := desc.Source
	e.publish(domain.Event{Type: domain.EventJobAdded, JobID: id, CallerID: desc.CallerID, Source: &src})
	return nil
}

func (e *Engine) admissionDone() {
	e.pending.Add(-1)
	metrics.PendingAdmissions.Dec()
	e.checkIdle()
}

func (e *Engine) publishAdmissionFailure(desc domain.Descriptor, err error) {
	ev := domain.Failed("addJob", "", err)
	ev.CallerID = desc.CallerID
	src := desc.Source
	ev.Source = &src
	e.publish(ev, desc.Listener)
}

func (e *Engine) PauseJob(ids ...domain.JobID) error {
	return e.forEachJob("pauseJob", dispatch.KindPause, ids, func(ctx context.Context, id domain.JobID, h ports.Handle) error {
		if err := e.gateway.Pause(ctx, h); err != nil {
			return err
		}
		e.publish(domain.Event{Type: domain.EventJobPaused, JobID: id})
		e.checkIdle()
		return nil
	})
}

func (e *Engine) ResumeJob(ids ...domain.JobID) error {
	return e.forEachJob("resumeJob", dispatch.KindResume, ids, func(ctx context.Context, id domain.JobID, h ports.Handle) error {
		if err := e.gateway.Resume(ctx, h); err != nil {
			return err
		}
		e.publish(domain.Event{Type: domain.EventJobResumed, JobID: id})
		e.checkIdle()
		return nil
	})
}

// RemoveJob removes jobs from the native session. The registry entry and the
// job's listener are dropped once the native removal completes.
func (e *Engine) RemoveJob(ids ...domain.JobID) error {
	return e.forEachJob("removeJob", dispatch.KindRemove, ids, func(ctx context.Context, id domain.JobID, h ports.Handle) error {
		if err := e.gateway.Remove(ctx, h); err != nil {
			return err
		}
		e.registry.Remove(id)
		metrics.RegisteredJobs.Set(float64(e.registry.Len()))
		e.logger.Info("job removed", slog.String("jobId", string(id)))
		e.publish(domain.Event{Type: domain.EventJobRemoved, JobID: id})
		e.bus.Unbind(id)
		e.checkIdle()
		return nil
	})
}

// forEachJob queues run for every id under the id's sequencing key. Ids
// that are not registered are reported as not found without queuing. A
// registered job the native session no longer knows is dropped after its
// failure is reported.
func (e *Engine) forEachJob(op string, kind dispatch.Kind, ids []domain.JobID, run func(context.Context, domain.JobID, ports.Handle) error) error {
	d, err := e.acceptingDispatcher(op)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !e.registry.Contains(id) {
			e.publish(domain.Failed(op, id, notFound(id)))
			continue
		}
		id := id
		d.Submit(dispatch.Command{
			Kind: kind,
			Key:  string(id),
			Run: func(ctx context.Context) error {
				h, ok := e.registry.Get(id)
				if !ok {
					err := notFound(id)
					e.publish(domain.Failed(op, id, err))
					return err
				}
				if err := run(ctx, id, h); err != nil {
					e.logger.Warn("job command failed",
						slog.String("op", op),
						slog.String("jobId", string(id)),
						slog.String("error", err.Error()),
					)
					e.publish(domain.Failed(op, id, err))
					if isNotFound(err) {
						e.dropStale(id)
					}
					return err
				}
				return nil
			},
			Fail: func(err error) {
				e.publish(domain.Failed(op, id, err))
			},
		})
	}
	return nil
}

func (e *Engine) dropStale(id domain.JobID) {
	if !e.registry.Remove(id) {
		return
	}
	metrics.RegisteredJobs.Set(float64(e.registry.Len()))
	e.bus.Unbind(id)
	e.logger.Info("stale job dropped", slog.String("jobId", string(id)))
	e.checkIdle()
}

func notFound(id domain.JobID) error {
	return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
}

func isNotFound(err error) bool {
	return domain.KindOf(err) == domain.KindNotFound
}

func (e *Engine) acceptingDispatcher(op string) (*dispatch.Dispatcher, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if !e.state.Accepts() || e.dispatcher == nil {
		return nil, &domain.StateError{Op: op, Current: e.state, Required: []domain.EngineState{domain.StateStarted}}
	}
	return e.dispatcher, nil
}

// JobIDs returns registered ids in admission order.
func (e *Engine) JobIDs() []domain.JobID {
	return e.registry.IDs()
}

func (e *Engine) JobInfo(id domain.JobID) (domain.JobInfo, error) {
	h, ok := e.registry.Get(id)
	if !ok {
		return domain.JobInfo{}, notFound(id)
	}
	return e.gateway.Info(h)
}

// IsAnyJobRunning reports whether any registered job is transferring.
func (e *Engine) IsAnyJobRunning() bool {
	if !e.gateway.Started() {
		return false
	}
	for _, entry := range e.registry.Snapshot() {
		status, err := e.gateway.Status(entry.Handle)
		if err == nil && status.Running() {
			return true
		}
	}
	return false
}

// Idle reports whether the engine is started with no pending admission and
// no running job. It is the level behind the no_more_tasks edge.
func (e *Engine) Idle() bool {
	if e.State() != domain.StateStarted {
		return false
	}
	return e.pending.Load() == 0 && !e.IsAnyJobRunning()
}

func (e *Engine) SaveResumeState(ctx context.Context) error {
	if cur := e.State(); !cur.Accepts() {
		return &domain.StateError{Op: "saveResumeState", Current: cur, Required: []domain.EngineState{domain.StateStarted}}
	}
	if err := e.gateway.SaveState(ctx); err != nil {
		metrics.ResumeSavesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ResumeSavesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe returns an engine-wide subscription for the given event types,
// or for all events when none are given.
func (e *Engine) Subscribe(types ...domain.EventType) *events.Subscription {
	return e.bus.Subscribe(types...)
}

// SetJobListener binds l to id, replacing any listener already bound.
func (e *Engine) SetJobListener(id domain.JobID, l domain.Listener) {
	e.bus.Bind(id, l)
}

func (e *Engine) RemoveJobListener(id domain.JobID) {
	e.bus.Unbind(id)
}

func (e *Engine) publish(ev domain.Event, direct ...domain.Listener) {
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	e.bus.Publish(ev, direct...)
}

// checkIdle publishes no_more_tasks when the engine goes from busy to having
// no running job and no pending admission.
func (e *Engine) checkIdle() {
	if e.State() != domain.StateStarted {
		return
	}
	busy := e.pending.Load() > 0 || e.IsAnyJobRunning()

	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	if busy {
		e.idle = false
		return
	}
	if e.idle {
		return
	}
	e.idle = true
	e.publish(domain.Event{Type: domain.EventNoMoreTasks})
}

func (e *Engine) startMonitor() {
	interval := e.cfg.IdleCheckInterval
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.monitorCancel, e.monitorDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.refreshGauges()
				e.checkIdle()
			}
		}
	}()
}

func (e *Engine) stopMonitor() {
	if e.monitorCancel == nil {
		return
	}
	e.monitorCancel()
	<-e.monitorDone
	e.monitorCancel, e.monitorDone = nil, nil
}

func (e *Engine) refreshGauges() {
	running, peers := 0, 0
	for _, entry := range e.registry.Snapshot() {
		info, err := e.gateway.Info(entry.Handle)
		if err != nil {
			continue
		}
		if info.Status.Running() {
			running++
		}
		peers += info.Peers
	}
	metrics.RunningJobs.Set(float64(running))
	metrics.PeersConnected.Set(float64(peers))
}
