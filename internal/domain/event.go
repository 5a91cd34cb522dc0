package domain

import "time"

type EventType string

const (
	EventEngineStarted EventType = "engine_started"
	EventEngineStopped EventType = "engine_stopped"
	EventNoMoreTasks   EventType = "no_more_tasks"
	EventJobAdded      EventType = "job_added"
	EventJobPaused     EventType = "job_paused"
	EventJobResumed    EventType = "job_resumed"
	EventJobRemoved    EventType = "job_removed"
	EventJobFailed     EventType = "job_failed"
)

// Event is a notification published by the engine. Job events carry the
// JobID once it is known; admission events also carry the caller id the
// descriptor was submitted with.
type Event struct {
	Type     EventType `json:"type"`
	JobID    JobID     `json:"jobId,omitempty"`
	CallerID string    `json:"callerId,omitempty"`
	Source   *Source   `json:"source,omitempty"`
	Op       string    `json:"op,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
	Restored bool      `json:"restored,omitempty"`
	At       time.Time `json:"at"`

	Err error `json:"-"`
}

// Failed builds a JobFailed event for err.
func Failed(op string, id JobID, err error) Event {
	ev := Event{Type: EventJobFailed, JobID: id, Op: op, Err: err, Kind: KindOf(err)}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Listener receives events for the jobs it is bound to. Deliver is called
// in publish order, outside any engine lock, and may call back into the
// engine. It should not block.
type Listener interface {
	Deliver(Event)
}

// Descriptor is a request to admit one job.
type Descriptor struct {
	Source Source
	// CallerID is echoed back on the job's admission events. A request id is
	// generated when empty.
	CallerID string
	Listener Listener
}
