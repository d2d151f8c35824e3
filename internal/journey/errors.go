package journey

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailableJourney = errors.New("journey type is not available")
	ErrSessionTerminal    = errors.New("session already finished")
	ErrNotResumable       = errors.New("session is not resumable")
	ErrSessionBusy        = errors.New("session is being executed by another worker")
	ErrCheckpointConflict = errors.New("checkpoint conflict: session changed underneath the executor")
)

// UnimplementedFrameworkError aborts a journey whose configuration names a
// framework nobody registered.
type UnimplementedFrameworkError struct {
	Name string
}

func (e *UnimplementedFrameworkError) Error() string {
	return fmt.Sprintf("framework %s is not implemented", e.Name)
}

// AuditError reports a failed insight write. It never aborts a journey.
type AuditError struct {
	SessionID string
	Framework string
	Err       error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("persist insight %s for session %s: %v", e.Framework, e.SessionID, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }
