package offline

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence      = errors.New("offline queue persistence failed")
	ErrNotFound         = errors.New("operation not found")
	ErrNotFailed        = errors.New("operation is not in the failed state")
	ErrInvalidOperation = errors.New("invalid operation")
)

// PersistenceError reports that the local store could not be read or written.
// For Enqueue it means the action was not saved.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("offline queue %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *PersistenceError
	if errors.As(err, &existing) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// TransientError is a recoverable replay failure; the operation stays queued.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient replay failure (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
	}
	return fmt.Sprintf("transient replay failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentRejectionError means the backend rejected the operation as
// structurally invalid; it will not be retried automatically.
type PermanentRejectionError struct {
	Status  int
	Code    string
	Message string
}

func (e *PermanentRejectionError) Error() string {
	return fmt.Sprintf("operation rejected (%d %s): %s", e.Status, e.Code, e.Message)
}

func IsPermanent(err error) bool {
	var rejection *PermanentRejectionError
	return errors.As(err, &rejection)
}
