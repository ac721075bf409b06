package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// Submitter accepts tasks. *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, handlerName string, payload []byte, priority domain.Priority) (string, error)
}

// StatusReader reads task records. *status.Resolver satisfies it.
type StatusReader interface {
	GetStatus(ctx context.Context, id string) (*domain.TaskRecord, error)
}

// Client-facing status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// REST handles HTTP requests for the API Gateway.
type REST struct {
	submitter Submitter
	status    StatusReader
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(submitter Submitter, status StatusReader, logger *slog.Logger) *REST {
	return &REST{
		submitter: submitter,
		status:    status,
		validate:  newValidator(),
		logger:    logger,
	}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Handler  string          `json:"handler" validate:"required,max=128"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
	Priority string          `json:"priority" validate:"omitempty,oneof=default high"`
}

// ProcessTaskRequest is the JSON body for POST /api/v1/tasks/process.
type ProcessTaskRequest struct {
	Data string `json:"data" validate:"required"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskStatusResponse is the GET /api/v1/tasks/{id} response body.
type TaskStatusResponse struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	State       domain.State    `json:"state"`
	Handler     string          `json:"handler"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}
	h.submit(w, r, req.Handler, req.Payload, domain.Priority(req.Priority))
}

// SubmitProcess handles POST /api/v1/tasks/process, a shorthand for the
// process handler with {"data": "..."} as its input.
func (h *REST) SubmitProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	payload, err := json.Marshal(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid data")
		return
	}
	h.submit(w, r, "process", payload, domain.PriorityDefault)
}

func (h *REST) submit(w http.ResponseWriter, r *http.Request, handlerName string, payload []byte, priority domain.Priority) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.handler", handlerName))

	id, err := h.submitter.Submit(ctx, handlerName, payload, priority)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		h.logger.Warn("submit failed",
			slog.String("handler", handlerName),
			slog.String("subject", Subject(ctx)),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	span.SetAttributes(attribute.String("task.id", id))
	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id, Status: StatusPending})
}

// GetTaskStatus handles GET /api/v1/tasks/{id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	rec, err := h.status.GetStatus(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("status lookup failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTaskStatusResponse(rec))
}

// NewTaskStatusResponse maps a record onto the client-facing status. Intermediate
// states report pending; the result is only exposed once the task succeeded.
func NewTaskStatusResponse(rec *domain.TaskRecord) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:      rec.ID,
		Status:      StatusPending,
		State:       rec.State,
		Handler:     rec.HandlerName,
		Attempts:    rec.AttemptCount,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
	switch rec.State {
	case domain.StateSucceeded:
		resp.Status = StatusCompleted
		resp.Result = rec.Result
	case domain.StateFailed:
		resp.Status = StatusFailed
		resp.Error = rec.Error
		resp.ErrorKind = string(rec.ErrorKind)
	}
	return resp
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindInvalidSubmission:
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.KindNotFound:
		writeError(w, http.StatusNotFound, "task not found")
	case domain.KindStoreUnavailable, domain.KindQueueUnavailable:
		writeError(w, http.StatusServiceUnavailable, "task service unavailable, try again later")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return "field '" + fe.Field() + "' is required"
		}
		return "field '" + fe.Field() + "' failed '" + fe.Tag() + "'"
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
