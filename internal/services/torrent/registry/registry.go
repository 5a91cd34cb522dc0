// Package registry maps engine-assigned job ids to native handles.
package registry

import (
	"container/list"
	"sync"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
)

// Entry is a snapshot of one registered job.
type Entry struct {
	ID     domain.JobID
	Handle ports.Handle
}

// Registry is a concurrent map of JobID to handle that remembers insertion
// order. Handles are borrowed from the native session; the registry never
// closes them.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[domain.JobID]*list.Element
	order *list.List
}

func New() *Registry {
	return &Registry{
		jobs:  make(map[domain.JobID]*list.Element),
		order: list.New(),
	}
}

// Put registers h under id. If id is already present its handle is replaced
// in place and Put reports false.
func (r *Registry) Put(id domain.JobID, h ports.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.jobs[id]; ok {
		elem.Value = Entry{ID: id, Handle: h}
		return false
	}
	r.jobs[id] = r.order.PushBack(Entry{ID: id, Handle: h})
	return true
}

// PutIfUnder is Put with a capacity check done under the same lock. An
// existing id is always replaced in place. A new id is inserted only while
// fewer than limit jobs are registered; limit <= 0 means unlimited. ok is false
// when the insert was refused.
func (r *Registry) PutIfUnder(id domain.JobID, h ports.Handle, limit int) (inserted, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, found := r.jobs[id]; found {
		elem.Value = Entry{ID: id, Handle: h}
		return false, true
	}
	if limit > 0 && len(r.jobs) >= limit {
		return false, false
	}
	r.jobs[id] = r.order.PushBack(Entry{ID: id, Handle: h})
	return true, true
}

func (r *Registry) Get(id domain.JobID) (ports.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	elem, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(Entry).Handle, true
}

func (r *Registry) Contains(id domain.JobID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id domain.JobID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.jobs[id]
	if !ok {
		return false
	}
	r.order.Remove(elem)
	delete(r.jobs, id)
	return true
}

// IDs returns the registered ids in insertion order.
func (r *Registry) IDs() []domain.JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.JobID, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		ids = append(ids, elem.Value.(Entry).ID)
	}
	return ids
}

// Snapshot returns the registered entries in insertion order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(Entry))
	}
	return entries
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.jobs)
	r.order.Init()
}
