// Package status answers "what happened to task X?" from the record store.
package status

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
)

// Resolver reads task records. It never mutates state, so any number of
// pollers may call GetStatus concurrently and repeatedly.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// NewResolver creates a Resolver over s.
func NewResolver(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetStatus returns the current record for id, including intermediate states.
// Returns *domain.TaskNotFoundError for an identifier that was never submitted
// and *domain.StoreUnavailableError when the store cannot be read.
func (r *Resolver) GetStatus(ctx context.Context, id string) (*domain.TaskRecord, error) {
	ctx, span := otel.Tracer("status").Start(ctx, "status.get")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	rec, err := r.store.Get(ctx, id)
	if err == nil {
		span.SetAttributes(attribute.String("task.state", string(rec.State)))
		return rec, nil
	}

	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) {
		return nil, err
	}
	var unavailable *domain.StoreUnavailableError
	if !errors.As(err, &unavailable) {
		err = &domain.StoreUnavailableError{Op: "get", Err: err}
	}
	r.logger.Error("status lookup failed", slog.String("task_id", id), slog.String("error", err.Error()))
	span.RecordError(err)
	span.SetStatus(codes.Error, "store unavailable")
	return nil, err
}
