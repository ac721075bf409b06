package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures seen by the core.
type ErrorKind string

const (
	KindStoreUnavailable  ErrorKind = "StoreUnavailable"
	KindQueueUnavailable  ErrorKind = "QueueUnavailable"
	KindUnknownHandler    ErrorKind = "UnknownHandler"
	KindInvalidPayload    ErrorKind = "InvalidPayload"
	KindHandlerTimeout    ErrorKind = "HandlerTimeout"
	KindHandlerError      ErrorKind = "HandlerError"
	KindHandlerFatal      ErrorKind = "HandlerFatal"
	KindInvalidSubmission ErrorKind = "InvalidSubmission"
	KindNotFound          ErrorKind = "NotFound"
)

// Retryable reports whether a task execution failing with this kind may be attempted again.
func (k ErrorKind) Retryable() bool {
	return k == KindHandlerTimeout || k == KindHandlerError
}

type kinded interface {
	Kind() ErrorKind
}

// KindOf classifies err by the first typed error in its chain.
// Unclassified errors count as HandlerError.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindHandlerError
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

func (e *TaskNotFoundError) Kind() ErrorKind { return KindNotFound }

// DuplicateTaskError is returned when a record with the same ID already exists.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

func (e *DuplicateTaskError) Kind() ErrorKind { return KindInvalidSubmission }

// InvalidTransitionError is returned when a state change would move a record
// backwards, or when a delivery may not claim a record another delivery holds.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("task %s: invalid transition %s -> %s: %s", e.TaskID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// StoreUnavailableError wraps a failed read or write against the record store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error   { return e.Err }
func (e *StoreUnavailableError) Kind() ErrorKind { return KindStoreUnavailable }

// QueueUnavailableError wraps a failed work-queue operation.
type QueueUnavailableError struct {
	Op  string
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable: %s: %v", e.Op, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error   { return e.Err }
func (e *QueueUnavailableError) Kind() ErrorKind { return KindQueueUnavailable }

// UnknownHandlerError is returned when no handler is registered for a handler name.
type UnknownHandlerError struct {
	HandlerName string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.HandlerName)
}

func (e *UnknownHandlerError) Kind() ErrorKind { return KindUnknownHandler }

// InvalidPayloadError is returned by a handler whose payload can never be processed.
type InvalidPayloadError struct {
	HandlerName string
	Reason      string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %s", e.HandlerName, e.Reason)
}

func (e *InvalidPayloadError) Kind() ErrorKind { return KindInvalidPayload }

// HandlerTimeoutError is recorded when a handler exceeds the execution timeout.
type HandlerTimeoutError struct {
	HandlerName string
	Timeout     time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s", e.HandlerName, e.Timeout)
}

func (e *HandlerTimeoutError) Kind() ErrorKind { return KindHandlerTimeout }

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Kind() ErrorKind { return KindHandlerFatal }

// InvalidSubmissionError is returned synchronously for a malformed submit call.
type InvalidSubmissionError struct {
	Reason string
}

func (e *InvalidSubmissionError) Error() string {
	return fmt.Sprintf("invalid submission: %s", e.Reason)
}

func (e *InvalidSubmissionError) Kind() ErrorKind { return KindInvalidSubmission }
