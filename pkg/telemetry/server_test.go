package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
)

func TestReadyHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checks     []telemetry.ReadinessCheck
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{name: "no checks", wantCode: http.StatusOK, wantStatus: "ready"},
		{
			name:       "all pass",
			checks:     []telemetry.ReadinessCheck{telemetry.Check("redis", ok), telemetry.Check("postgres", ok)},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"redis": "ok", "postgres": "ok"},
		},
		{
			name:       "one fails",
			checks:     []telemetry.ReadinessCheck{telemetry.Check("redis", down), telemetry.Check("postgres", ok)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unavailable",
			wantChecks: map[string]string{"redis": "connection refused", "postgres": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			telemetry.ReadyHandler(tt.checks...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body telemetry.Readiness
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
			if tt.wantChecks != nil {
				assert.Equal(t, tt.wantChecks, body.Checks)
			}
		})
	}
}

func TestReadyHandler_ProbeSeesDeadline(t *testing.T) {
	var hasDeadline bool
	probe := telemetry.Check("slow", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})
	rec := httptest.NewRecorder()
	telemetry.ReadyHandler(probe).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hasDeadline)
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := telemetry.InitTracer(context.Background(), "test", "")
	assert.NoError(t, err)
	shutdown()
}
