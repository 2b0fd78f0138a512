package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTimeout       = errors.New("timeout")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAborted       = errors.New("aborted by user")
	ErrDeadlock      = errors.New("deadlock detected")
	ErrJobFailed     = errors.New("job failed")
)

// Class is the severity of a failure during a backup or restore run.
type Class string

const (
	// ClassFatal aborts the whole run.
	ClassFatal Class = "fatal"
	// ClassCritical stops all further work for one application.
	ClassCritical Class = "critical"
	// ClassRecoverable is recorded against an application; later steps still run.
	ClassRecoverable Class = "recoverable"
	// ClassTransient may be retried before being escalated.
	ClassTransient Class = "transient"
)

// OpError is a classified failure of one operation.
type OpError struct {
	Class     Class
	Op        string // operation that failed (e.g. "create_snapshot", "pg_restore")
	Target    string // application, dataset or snapshot the operation targeted
	Err       error
	Timestamp time.Time
}

func (e *OpError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OpError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrDeadlock:
		if e.Class == ClassTransient {
			return true
		}
	case ErrTimeout:
		if errors.Is(e.Err, ErrTimeout) {
			return true
		}
	}
	return errors.Is(e.Err, target)
}

// NewOpError creates a new OpError
func NewOpError(class Class, op, target string, err error) *OpError {
	return &OpError{
		Class:     class,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Fatal wraps err as a run-aborting failure.
func Fatal(op string, err error) error {
	return NewOpError(ClassFatal, op, "", err)
}

// Critical wraps err as a per-application critical failure.
func Critical(op, app string, err error) error {
	return NewOpError(ClassCritical, op, app, err)
}

// Recoverable wraps err as a per-application recoverable failure.
func Recoverable(op, app string, err error) error {
	return NewOpError(ClassRecoverable, op, app, err)
}

// Transient wraps err as a retryable failure.
func Transient(op, target string, err error) error {
	return NewOpError(ClassTransient, op, target, err)
}

// ClassOf returns the class of err. Unclassified errors are critical, since
// the per-application boundary demotes anything unexpected to critical.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Class
	}
	if errors.Is(err, ErrAborted) {
		return ClassFatal
	}
	return ClassCritical
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsFatal reports whether err aborts the run.
func IsFatal(err error) bool {
	return ClassOf(err) == ClassFatal
}
