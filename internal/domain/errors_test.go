package domain_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &domain.InvalidTransitionError{TaskID: "xyz-789", From: domain.StateSucceeded, To: domain.StateRunning}
	msg := err.Error()
	for _, want := range []string{"xyz-789", "SUCCEEDED", "RUNNING"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message should contain %q, got: %q", want, msg)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"unknown handler", &domain.UnknownHandlerError{HandlerName: "sms"}, domain.KindUnknownHandler},
		{"invalid payload", &domain.InvalidPayloadError{HandlerName: "sum"}, domain.KindInvalidPayload},
		{"timeout", &domain.HandlerTimeoutError{HandlerName: "process", Timeout: time.Second}, domain.KindHandlerTimeout},
		{"permanent", &domain.PermanentError{Err: errors.New("bad")}, domain.KindHandlerFatal},
		{"store", &domain.StoreUnavailableError{Op: "create", Err: errors.New("down")}, domain.KindStoreUnavailable},
		{"queue", &domain.QueueUnavailableError{Op: "enqueue", Err: errors.New("down")}, domain.KindQueueUnavailable},
		{"not found", &domain.TaskNotFoundError{TaskID: "x"}, domain.KindNotFound},
		{"wrapped payload", fmt.Errorf("sum: %w", &domain.InvalidPayloadError{HandlerName: "sum"}), domain.KindInvalidPayload},
		{"plain error", errors.New("boom"), domain.KindHandlerError},
		{"context deadline", context.DeadlineExceeded, domain.KindHandlerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	retryable := []domain.ErrorKind{domain.KindHandlerError, domain.KindHandlerTimeout}
	terminal := []domain.ErrorKind{domain.KindInvalidPayload, domain.KindUnknownHandler, domain.KindHandlerFatal}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &domain.StoreUnavailableError{Op: "get", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("StoreUnavailableError should unwrap to its cause")
	}
	perm := &domain.PermanentError{Err: cause}
	if !errors.Is(perm, cause) {
		t.Error("PermanentError should unwrap to its cause")
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.DuplicateTaskError{}
	var _ error = &domain.InvalidTransitionError{}
	var _ error = &domain.StoreUnavailableError{}
	var _ error = &domain.QueueUnavailableError{}
	var _ error = &domain.UnknownHandlerError{}
	var _ error = &domain.InvalidPayloadError{}
	var _ error = &domain.HandlerTimeoutError{}
	var _ error = &domain.PermanentError{}
	var _ error = &domain.InvalidSubmissionError{}
}
