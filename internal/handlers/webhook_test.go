package handlers_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/handlers"
)

func webhookServer(t *testing.T, status int, fn func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fn != nil {
			fn(r)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "pong")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookHandler_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{name: "not json", payload: `not-json`},
		{name: "missing url", payload: `{"method":"POST","body":"hello"}`, reason: "url"},
		{name: "relative url", payload: `{"url":"/hooks"}`, reason: "url"},
		{name: "unsupported method", payload: `{"url":"http://example.com","method":"TRACE"}`, reason: "method"},
	}
	h := handlers.NewWebhookHandler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(context.Background(), []byte(tt.payload))
			require.Error(t, err)
			assert.Equal(t, domain.KindInvalidPayload, domain.KindOf(err))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestWebhookHandler_Success(t *testing.T) {
	var got struct{ method, body, secret string }
	srv := webhookServer(t, http.StatusCreated, func(r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method, got.body, got.secret = r.Method, string(b), r.Header.Get("X-Secret")
	})

	out, err := handlers.NewWebhookHandler().Handle(context.Background(),
		[]byte(`{"url":"`+srv.URL+`","method":"put","body":"ping","headers":{"X-Secret":"token123"}}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"status_code":201,"body":"pong"}`, string(out))
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "ping", got.body)
	assert.Equal(t, "token123", got.secret)
}

func TestWebhookHandler_StripsNULFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("po\x00ng"))
	}))
	t.Cleanup(srv.Close)

	out, err := handlers.NewWebhookHandler().Handle(context.Background(), []byte(`{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_code":200,"body":"pong"}`, string(out))
}

func TestWebhookHandler_DefaultsToPOST(t *testing.T) {
	var method string
	srv := webhookServer(t, http.StatusOK, func(r *http.Request) { method = r.Method })

	_, err := handlers.NewWebhookHandler().Handle(context.Background(), []byte(`{"url":"`+srv.URL+`"}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
}

func TestWebhookHandler_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{status: http.StatusNotFound, want: domain.KindHandlerFatal},
		{status: http.StatusUnprocessableEntity, want: domain.KindHandlerFatal},
		{status: http.StatusInternalServerError, want: domain.KindHandlerError},
		{status: http.StatusBadGateway, want: domain.KindHandlerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := webhookServer(t, tt.status, nil)
			_, err := handlers.NewWebhookHandler().Handle(context.Background(), []byte(`{"url":"`+srv.URL+`"}`))
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
		})
	}
}

func TestWebhookHandler_UnreachableIsRetryable(t *testing.T) {
	srv := webhookServer(t, http.StatusOK, nil)
	url := srv.URL
	srv.Close()

	_, err := handlers.NewWebhookHandler().Handle(context.Background(), []byte(`{"url":"`+url+`"}`))
	require.Error(t, err)
	assert.True(t, domain.KindOf(err).Retryable())
}

func TestWebhookHandler_Name(t *testing.T) {
	assert.Equal(t, "webhook", handlers.NewWebhookHandler().Name())
}
