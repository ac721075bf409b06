package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// ProcessHandler simulates bounded-duration work on a string and returns a derived string.
type ProcessHandler struct {
	work time.Duration
}

// NewProcessHandler creates a ProcessHandler that takes work to finish.
func NewProcessHandler(work time.Duration) *ProcessHandler {
	return &ProcessHandler{work: work}
}

func (h *ProcessHandler) Name() string { return "process" }

func (h *ProcessHandler) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.process")
	defer span.End()

	var data string
	if err := json.Unmarshal(payload, &data); err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: "payload must be a JSON string"}
	}

	if err := simulate(ctx, h.work); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return nil, fmt.Errorf("process interrupted: %w", err)
	}
	return json.Marshal("Processed: " + data)
}

// simulate waits for d or until ctx is done.
func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
