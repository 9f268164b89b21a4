package flight

import (
	"errors"
	"fmt"
)

var (
	// ErrSensorUnavailable marks an occluded or missing fix. The machine
	// recovers from it locally by skipping the tick.
	ErrSensorUnavailable = errors.New("sensor unavailable")

	// ErrConfigInvalid is matched by every *ConfigError.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrCollaborator is matched by every *CollaboratorError.
	ErrCollaborator = errors.New("collaborator failure")

	// ErrNoFixAcquired is returned when no valid fix arrives within the
	// startup grace period.
	ErrNoFixAcquired = errors.New("no fix acquired")

	// ErrFixLost is returned when fixes stay unavailable for longer than the
	// configured fix-loss timeout after takeoff began.
	ErrFixLost = errors.New("position fix lost")
)

// ConfigError reports a missing or out of range parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// CollaboratorError wraps a failure raised by the position source or the
// command sink.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaborator
}

// PanicError is what Run re-panics with after sending the stop. Stack is
// captured where the original panic was recovered, so it still shows the
// frame that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrSensorUnavailable)
}
