package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// maxWebhookBody caps how much of the response body is kept in the task result.
const maxWebhookBody = 4 << 10

type webhookRequest struct {
	URL     string            `json:"url" validate:"required,http_url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type webhookResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// WebhookHandler calls an outbound HTTP endpoint described by the payload.
// 4xx responses fail the task permanently; transport errors and 5xx are retried.
type WebhookHandler struct {
	client   *http.Client
	validate *validator.Validate
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		client:   &http.Client{Timeout: 15 * time.Second},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *WebhookHandler) Name() string { return "webhook" }

func (h *WebhookHandler) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.webhook")
	defer span.End()

	req, err := h.decode(payload)
	if err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("webhook.url", req.URL),
		attribute.String("webhook.method", req.Method),
	)

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		span.SetStatus(codes.Error, "build request failed")
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("webhook %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s %s: status %d", req.Method, req.URL, resp.StatusCode)
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, Permanent(err)
		}
		return nil, err
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("webhook %s %s: read response: %w", req.Method, req.URL, err)
	}
	// NUL cannot be stored in a JSONB result.
	kept := strings.ReplaceAll(string(respBody), "\x00", "")
	return json.Marshal(webhookResponse{StatusCode: resp.StatusCode, Body: kept})
}

func (h *WebhookHandler) decode(payload []byte) (*webhookRequest, error) {
	var req webhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: err.Error()}
	}
	req.Method = strings.ToUpper(req.Method)
	if err := h.validate.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		reason := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			reason = fmt.Sprintf("field %s failed %q", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return nil, &domain.InvalidPayloadError{HandlerName: h.Name(), Reason: reason}
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	return &req, nil
}
