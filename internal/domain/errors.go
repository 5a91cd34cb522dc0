package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidState    = errors.New("invalid engine state")
	ErrAdmission       = errors.New("admission failed")
	ErrGateway         = errors.New("session gateway failure")
	ErrCancelled       = errors.New("command cancelled")
	ErrCommandPanic    = errors.New("command panicked")
	ErrJobLimitReached = errors.New("job limit reached")
	ErrInvalidSource   = errors.New("invalid job source")
	ErrInvalidConfig   = errors.New("invalid engine config")
)

// StateError is returned when an operation is invoked while the engine is in
// a state that does not permit it.
type StateError struct {
	Op       string
	Current  EngineState
	Required []EngineState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: engine is %s, requires %v", e.Op, e.Current, e.Required)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ErrorKind tags a failure reported through an event.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindState     ErrorKind = "state"
	KindAdmission ErrorKind = "admission"
	KindNotFound  ErrorKind = "not_found"
	KindGateway   ErrorKind = "gateway"
	KindCancelled ErrorKind = "cancelled"
	KindInternal  ErrorKind = "internal"
)

// KindOf classifies err. Admission is checked before not-found so a native
// lookup failure during admission is still reported as an admission failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidState):
		return KindState
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrAdmission):
		return KindAdmission
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrGateway):
		return KindGateway
	default:
		return KindInternal
	}
}
