// Package memory implements an in-process backend that tracks jobs without
// transferring any data. It derives job ids exactly like the anacrolix
// backend, which makes it useful for local development and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent/metainfo"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
)

const stateFile = "memory-resume.json"

type Backend struct {
	logger        *slog.Logger
	openFailures  int
	openErr       error
	admitHook     func(ctx context.Context, src domain.Source) error
	initialStatus domain.JobStatus
	discoveryErr  error

	mu      sync.Mutex
	opens   int
	current *Session
}

type Option func(*Backend)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithOpenFailures makes the first n calls to Open fail with err.
func WithOpenFailures(n int, err error) Option {
	return func(b *Backend) {
		b.openFailures = n
		b.openErr = err
	}
}

// WithAdmitHook runs fn before every admission. A non-nil error fails the
// admission; fn may block to simulate slow metadata resolution.
func WithAdmitHook(fn func(ctx context.Context, src domain.Source) error) Option {
	return func(b *Backend) { b.admitHook = fn }
}

// WithInitialStatus sets the status of newly admitted jobs.
func WithInitialStatus(status domain.JobStatus) Option {
	return func(b *Backend) { b.initialStatus = status }
}

func WithDiscoveryError(err error) Option {
	return func(b *Backend) { b.discoveryErr = err }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		logger:        slog.Default(),
		initialStatus: domain.JobDownloading,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Open(ctx context.Context, cfg domain.EngineConfig) (ports.NativeSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.opens <= b.openFailures {
		return nil, b.openErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.PrivateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create private dir: %w", err)
	}
	s := &Session{
		cfg:           cfg,
		logger:        b.logger,
		admitHook:     b.admitHook,
		initialStatus: b.initialStatus,
		jobs:          make(map[domain.JobID]*job),
		discovery:     &Discovery{err: b.discoveryErr},
	}
	b.current = s
	return s, nil
}

// Opens returns how many times Open was called.
func (b *Backend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Session returns the most recently opened session.
func (b *Backend) Session() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

type job struct {
	id     domain.JobID
	name   string
	source domain.Source
	status domain.JobStatus
	paused bool
	total  int64
}

func (j *job) JobID() domain.JobID { return j.id }

type Session struct {
	cfg           domain.EngineConfig
	logger        *slog.Logger
	admitHook     func(ctx context.Context, src domain.Source) error
	initialStatus domain.JobStatus
	discovery     *Discovery

	mu     sync.Mutex
	jobs   map[domain.JobID]*job
	order  []domain.JobID
	closed bool
}

func (s *Session) Admit(ctx context.Context, src domain.Source) (ports.Handle, error) {
	if s.admitHook != nil {
		if err := s.admitHook(ctx, src); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrAdmission, err)
		}
	}
	id, name, total, err := resolve(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAdmission, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", domain.ErrAdmission)
	}
	if existing, ok := s.jobs[id]; ok {
		return existing, nil
	}
	j := &job{id: id, name: name, source: src, status: s.initialStatus, total: total}
	s.jobs[id] = j
	s.order = append(s.order, id)
	return j, nil
}

func resolve(src domain.Source) (domain.JobID, string, int64, error) {
	if src.IsMagnet() {
		m, err := metainfo.ParseMagnetUri(src.Magnet)
		if err != nil {
			return "", "", 0, fmt.Errorf("parse magnet: %w", err)
		}
		return domain.JobID(m.InfoHash.HexString()), m.DisplayName, 0, nil
	}
	mi, err := metainfo.LoadFromFile(src.Metafile)
	if err != nil {
		return "", "", 0, fmt.Errorf("load metafile: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return "", "", 0, fmt.Errorf("decode info: %w", err)
	}
	return domain.JobID(mi.HashInfoBytes().HexString()), info.Name, info.TotalLength(), nil
}

func (s *Session) lookup(h ports.Handle) (*job, error) {
	if h == nil {
		return nil, domain.ErrNotFound
	}
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", domain.ErrNotFound)
	}
	j, ok := s.jobs[h.JobID()]
	if !ok || j != h {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, h.JobID())
	}
	return j, nil
}

func (s *Session) Pause(_ context.Context, h ports.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(h)
	if err != nil {
		return err
	}
	j.paused = true
	return nil
}

func (s *Session) Resume(_ context.Context, h ports.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(h)
	if err != nil {
		return err
	}
	j.paused = false
	return nil
}

func (s *Session) Remove(_ context.Context, h ports.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.removeLocked(j.id)
	return nil
}

func (s *Session) removeLocked(id domain.JobID) {
	delete(s.jobs, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) Status(h ports.Handle) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(h)
	if err != nil {
		return "", err
	}
	return statusOf(j), nil
}

func statusOf(j *job) domain.JobStatus {
	if j.paused && j.status != domain.JobCompleted {
		return domain.JobPaused
	}
	return j.status
}

func (s *Session) Info(h ports.Handle) (domain.JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(h)
	if err != nil {
		return domain.JobInfo{}, err
	}
	info := domain.JobInfo{
		ID:         j.id,
		Name:       j.name,
		Status:     statusOf(j),
		Source:     j.source,
		TotalBytes: j.total,
	}
	if j.status == domain.JobCompleted {
		info.DoneBytes = j.total
		info.Progress = 1
	}
	return info, nil
}

// SetStatus changes the native status of a job, simulating transfer progress.
func (s *Session) SetStatus(id domain.JobID, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.status = status
	return nil
}

// Forget drops a job behind the engine's back, leaving its handle stale.
func (s *Session) Forget(id domain.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Session) Discovery() ports.PeerDiscovery { return s.discovery }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	clear(s.jobs)
	s.order = nil
	return nil
}

type savedJob struct {
	Source domain.Source `json:"source"`
	Paused bool          `json:"paused,omitempty"`
}

type savedState struct {
	Jobs []savedJob `json:"jobs"`
}

func (s *Session) SaveState(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	state := savedState{Jobs: make([]savedJob, 0, len(s.order))}
	for _, id := range s.order {
		j := s.jobs[id]
		state.Jobs = append(state.Jobs, savedJob{Source: j.source, Paused: j.paused})
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.cfg.PrivateDir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Session) LoadState(ctx context.Context) ([]ports.Handle, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.PrivateDir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state savedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode resume state: %w", err)
	}

	handles := make([]ports.Handle, 0, len(state.Jobs))
	for _, saved := range state.Jobs {
		h, err := s.Admit(ctx, saved.Source)
		if err != nil {
			s.logger.Warn("skipping saved job",
				slog.String("source", saved.Source.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if saved.Paused {
			_ = s.Pause(ctx, h)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Discovery records whether peer discovery is running.
type Discovery struct {
	mu      sync.Mutex
	running bool
	starts  int
	err     error
}

func (d *Discovery) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.running = true
	d.starts++
	return nil
}

func (d *Discovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *Discovery) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
