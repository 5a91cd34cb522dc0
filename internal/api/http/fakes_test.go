package apihttp

import (
	"context"
	"sync"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/events"
)

type fakeEngine struct {
	bus *events.Bus

	mu      sync.Mutex
	state   domain.EngineState
	infos   map[domain.JobID]domain.JobInfo
	order   []domain.JobID
	added   []domain.Descriptor
	paused  []domain.JobID
	resumed []domain.JobID
	removed []domain.JobID
	addErr  error
	running bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		bus:   events.NewBus(),
		state: domain.StateStarted,
		infos: make(map[domain.JobID]domain.JobInfo),
	}
}

func (f *fakeEngine) addInfo(info domain.JobInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[info.ID] = info
	f.order = append(f.order, info.ID)
}

func (f *fakeEngine) Initialize(cfg domain.EngineConfig) error { return nil }
func (f *fakeEngine) Start(ctx context.Context) error          { return nil }
func (f *fakeEngine) Stop(ctx context.Context) error           { return nil }

func (f *fakeEngine) State() domain.EngineState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) AddJob(descs ...*domain.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	for _, d := range descs {
		f.added = append(f.added, *d)
	}
	return nil
}

func (f *fakeEngine) PauseJob(ids ...domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, ids...)
	return nil
}

func (f *fakeEngine) ResumeJob(ids ...domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, ids...)
	return nil
}

func (f *fakeEngine) RemoveJob(ids ...domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
	return nil
}

func (f *fakeEngine) JobIDs() []domain.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobID(nil), f.order...)
}

func (f *fakeEngine) JobInfo(id domain.JobID) (domain.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return domain.JobInfo{}, domain.ErrNotFound
	}
	return info, nil
}

func (f *fakeEngine) IsAnyJobRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeEngine) SaveResumeState(ctx context.Context) error { return nil }

func (f *fakeEngine) Subscribe(types ...domain.EventType) *events.Subscription {
	return f.bus.Subscribe(types...)
}

func (f *fakeEngine) SetJobListener(id domain.JobID, l domain.Listener) { f.bus.Bind(id, l) }
func (f *fakeEngine) RemoveJobListener(id domain.JobID)                 { f.bus.Unbind(id) }

type fakeHistory struct {
	records    []domain.JobRecord
	lastFilter domain.RecordFilter
	err        error
}

func (f *fakeHistory) Get(ctx context.Context, id domain.JobID) (domain.JobRecord, error) {
	if f.err != nil {
		return domain.JobRecord{}, f.err
	}
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.JobRecord{}, domain.ErrNotFound
}

func (f *fakeHistory) List(ctx context.Context, filter domain.RecordFilter) ([]domain.JobRecord, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}
