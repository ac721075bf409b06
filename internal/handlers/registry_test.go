package handlers_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/handlers"
)

func noop(name string) handlers.Handler {
	return handlers.NewFunc(name, func(context.Context, []byte) ([]byte, error) { return nil, nil })
}

func TestRegistry_Get_KnownName(t *testing.T) {
	reg := handlers.NewRegistry(noop("sum"))

	h, err := reg.Get("sum")
	require.NoError(t, err)
	assert.Equal(t, "sum", h.Name())
}

func TestRegistry_Get_UnknownName(t *testing.T) {
	reg := handlers.NewRegistry()

	_, err := reg.Get("sms")
	require.Error(t, err)

	var unknown *domain.UnknownHandlerError
	assert.True(t, errors.As(err, &unknown), "expected UnknownHandlerError, got %T", err)
	assert.Equal(t, "sms", unknown.HandlerName)
	assert.Equal(t, domain.KindUnknownHandler, domain.KindOf(err))
}

func TestRegistry_Register_Overwrites(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(handlers.NewFunc("sum", func(context.Context, []byte) ([]byte, error) { return []byte(`1`), nil }))
	reg.Register(handlers.NewFunc("sum", func(context.Context, []byte) ([]byte, error) { return []byte(`2`), nil }))

	h, err := reg.Get("sum")
	require.NoError(t, err)
	out, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, `2`, string(out))
}

func TestRegistry_Names(t *testing.T) {
	reg := handlers.NewRegistry(noop("sum"), noop("image"), noop("process"))
	assert.Equal(t, []string{"image", "process", "sum"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := handlers.NewRegistry(noop("sum"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(noop("image")) }()
		go func() { defer wg.Done(); _, _ = reg.Get("sum") }()
	}
	wg.Wait()
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, handlers.Permanent(nil))

	cause := errors.New("quota exceeded")
	err := handlers.Permanent(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, domain.KindHandlerFatal, domain.KindOf(err))
	assert.False(t, domain.KindOf(err).Retryable())
}
