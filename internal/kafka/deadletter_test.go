package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

type fakeProducer struct {
	keys   []string
	values [][]byte
	err    error
}

func (p *fakeProducer) Publish(_ context.Context, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}
func (p *fakeProducer) Close() error { return nil }

func TestDeadLetterPublisher_RoundTrip(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewDeadLetterPublisher(prod, "worker-1")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return at }

	rec := &domain.TaskRecord{
		ID:           "task-1",
		HandlerName:  "sum",
		State:        domain.StateFailed,
		Error:        "element 0 is not numeric",
		ErrorKind:    domain.KindInvalidPayload,
		AttemptCount: 1,
	}
	require.NoError(t, pub.PublishFailed(context.Background(), rec))
	require.Len(t, prod.keys, 1)
	assert.Equal(t, "task-1", prod.keys[0])

	dl, err := DecodeDeadLetter(Message{Value: prod.values[0]})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", dl.WorkerID)
	assert.True(t, dl.FailedAt.Equal(at))
	assert.Equal(t, domain.KindInvalidPayload, dl.Record.ErrorKind)
	assert.Equal(t, domain.StateFailed, dl.Record.State)
}

func TestDeadLetterPublisher_ProducerError(t *testing.T) {
	pub := NewDeadLetterPublisher(&fakeProducer{err: assert.AnError}, "w")
	err := pub.PublishFailed(context.Background(), &domain.TaskRecord{ID: "x"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDecodeDeadLetter_Malformed(t *testing.T) {
	_, err := DecodeDeadLetter(Message{Value: []byte("not-json"), Offset: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 7")

	_, err = DecodeDeadLetter(Message{Value: []byte(`{"worker_id":"w"}`)})
	require.Error(t, err)
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c headerCarrier
	c.Set("traceparent", "a")
	c.Set("baggage", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "b", c.Get("baggage"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
}

func TestTracePropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	headers := injectTrace(ctx)
	require.NotEmpty(t, headers)

	got := trace.SpanContextFromContext(extractTrace(context.Background(), headers))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
}
