// Package dispatcher accepts task submissions and hands them to the work queue.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
)

// Dispatcher records a submission and enqueues its first envelope.
// It never waits for execution.
type Dispatcher struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option       { return func(d *Dispatcher) { d.logger = l } }
func WithClock(now func() time.Time) Option  { return func(d *Dispatcher) { d.now = now } }
func WithIDGenerator(f func() string) Option { return func(d *Dispatcher) { d.newID = f } }

// NewDispatcher creates a Dispatcher writing to s and enqueueing to q.
func NewDispatcher(s store.Store, q queue.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  s,
		queue:  q,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates the request, writes a SUBMITTED record and then enqueues the
// envelope. The record is always written before the envelope can be seen by a worker.
//
// Errors:
//   - *domain.InvalidSubmissionError: empty handler name, payload not JSON, unknown priority.
//   - *domain.StoreUnavailableError: the record was not written; nothing was enqueued.
//   - *domain.QueueUnavailableError: the record exists as SUBMITTED; the reconciler will retry it.
func (d *Dispatcher) Submit(ctx context.Context, handlerName string, payload []byte, priority domain.Priority) (string, error) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.submit")
	defer span.End()

	prio, err := validate(handlerName, payload, priority)
	if err != nil {
		return "", d.fail(span, err)
	}

	id := d.newID()
	now := d.now()
	span.SetAttributes(
		attribute.String("task.id", id),
		attribute.String("task.handler", handlerName),
		attribute.String("task.priority", string(prio)),
	)
	log := d.logger.With(
		slog.String("task_id", id),
		slog.String("handler", handlerName),
		slog.String("priority", string(prio)),
	)

	rec := &domain.TaskRecord{
		ID:          id,
		HandlerName: handlerName,
		State:       domain.StateSubmitted,
		Payload:     payload,
		Priority:    prio,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Create(ctx, rec); err != nil {
		log.Error("failed to write task record", slog.String("error", err.Error()))
		return "", d.fail(span, &domain.StoreUnavailableError{Op: "create", Err: err})
	}

	if err := d.queue.Enqueue(ctx, rec.Envelope(), 0); err != nil {
		log.Error("failed to enqueue task, left SUBMITTED for reconciliation", slog.String("error", err.Error()))
		return "", d.fail(span, &domain.QueueUnavailableError{Op: "enqueue", Err: err})
	}

	telemetry.DispatcherTasksSubmitted.WithLabelValues(handlerName, string(prio)).Inc()
	log.Info("task submitted")
	return id, nil
}

func (d *Dispatcher) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(domain.KindOf(err)))
	telemetry.DispatcherSubmitErrors.WithLabelValues(string(domain.KindOf(err))).Inc()
	return err
}

func validate(handlerName string, payload []byte, priority domain.Priority) (domain.Priority, error) {
	if handlerName == "" {
		return "", &domain.InvalidSubmissionError{Reason: "handler name is required"}
	}
	if !json.Valid(payload) {
		return "", &domain.InvalidSubmissionError{Reason: "payload must be valid JSON"}
	}
	if hasNUL(payload) {
		return "", &domain.InvalidSubmissionError{Reason: `payload strings must not contain \u0000`}
	}
	return domain.ParsePriority(string(priority))
}

// hasNUL reports whether any string or object key in the JSON document
// payload decodes to text containing U+0000, which JSONB columns reject.
func hasNUL(payload []byte) bool {
	if !bytes.Contains(payload, []byte(`\u0000`)) {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	return containsNUL(v)
}

func containsNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case []any:
		for _, e := range t {
			if containsNUL(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.ContainsRune(k, 0) || containsNUL(e) {
				return true
			}
		}
	}
	return false
}
