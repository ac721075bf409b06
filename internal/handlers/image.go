package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// ImageHandler validates an image identifier and confirms it after simulated processing.
type ImageHandler struct {
	work time.Duration
}

// NewImageHandler creates an ImageHandler that takes work to finish.
func NewImageHandler(work time.Duration) *ImageHandler {
	return &ImageHandler{work: work}
}

func (h *ImageHandler) Name() string { return "image" }

func (h *ImageHandler) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.image")
	defer span.End()

	var imageID string
	if err := json.Unmarshal(payload, &imageID); err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: "payload must be a JSON string image id"}
	}
	if strings.TrimSpace(imageID) == "" {
		span.SetStatus(codes.Error, "empty image id")
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: "image id must not be empty"}
	}
	span.SetAttributes(attribute.String("image.id", imageID))

	if err := simulate(ctx, h.work); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return nil, fmt.Errorf("image %s interrupted: %w", imageID, err)
	}
	return json.Marshal(fmt.Sprintf("Image %s processed", imageID))
}
