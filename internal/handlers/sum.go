package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// SumHandler adds up a JSON array of numbers.
type SumHandler struct{}

// NewSumHandler creates a SumHandler.
func NewSumHandler() *SumHandler { return &SumHandler{} }

func (h *SumHandler) Name() string { return "sum" }

func (h *SumHandler) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	_, span := otel.Tracer("worker").Start(ctx, "handler.sum")
	defer span.End()

	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil || items == nil {
		err := &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: "payload must be a JSON array of numbers"}
		span.SetStatus(codes.Error, "invalid payload")
		return nil, err
	}

	var total float64
	for i, raw := range items {
		n, err := parseNumber(raw)
		if err != nil {
			span.SetStatus(codes.Error, "invalid payload")
			return nil, &domain.InvalidPayloadError{
				HandlerName: h.Name(),
				Reason:      fmt.Sprintf("element %d is not numeric: %s", i, raw),
			}
		}
		total += n
	}
	if math.IsInf(total, 0) {
		span.SetStatus(codes.Error, "invalid payload")
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: "sum overflows a float64"}
	}
	span.SetAttributes(attribute.Int("sum.items", len(items)))

	return json.Marshal(total)
}

// parseNumber accepts only JSON numbers; strings such as "2" are rejected.
func parseNumber(raw json.RawMessage) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %T", v)
	}
	return num.Float64()
}
