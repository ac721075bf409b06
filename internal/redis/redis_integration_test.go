//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/queue/queuetest"
	redisstore "github.com/ramiqadoumi/go-task-submit/internal/redis"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/internal/store/storetest"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; go-redis wants host:port.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

// newClient returns a client on an empty database.
func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	c := redisstore.NewClient(testRedisAddr)
	require.NoError(t, c.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRecordStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return redisstore.NewRecordStore(newClient(t))
	})
}

func TestWorkQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, visibility time.Duration) queue.Queue {
		q := redisstore.NewWorkQueue(newClient(t),
			redisstore.WithVisibilityTimeout(visibility),
			redisstore.WithPollInterval(10*time.Millisecond),
		)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestWorkQueue_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	producer := redisstore.NewWorkQueue(client)
	consumer := redisstore.NewWorkQueue(client, redisstore.WithPollInterval(10*time.Millisecond))

	env := queuetest.Envelope(domain.PriorityHigh)
	require.NoError(t, producer.Enqueue(ctx, env, 0))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := consumer.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, env.ID, d.Envelope.ID)
	assert.JSONEq(t, string(env.Payload), string(d.Envelope.Payload))

	stats, err := producer.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
	require.NoError(t, producer.Ack(ctx, d))
}

func TestWorkQueue_QuarantinesMalformedEnvelopes(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	q := redisstore.NewWorkQueue(client,
		redisstore.WithVisibilityTimeout(50*time.Millisecond),
		redisstore.WithPollInterval(10*time.Millisecond),
	)
	t.Cleanup(func() { _ = q.Close() })

	lane := "queue:lane:" + domain.LaneDefault
	require.NoError(t, client.LPush(ctx, lane, "not json").Err())
	require.NoError(t, client.LPush(ctx, lane, `{"handler_name":"sum"}`).Err())
	env := queuetest.Envelope(domain.PriorityDefault)
	require.NoError(t, q.Enqueue(ctx, env, 0))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, env.ID, d.Envelope.ID)

	malformed, err := client.LRange(ctx, redisstore.MalformedKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"handler_name":"sum"}`, "not json"}, malformed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight, "only the valid delivery is in flight")
	require.NoError(t, q.Ack(ctx, d))

	// Nothing comes back once the visibility timeout has passed.
	time.Sleep(100 * time.Millisecond)
	emptyCtx, cancelEmpty := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelEmpty()
	_, err = q.Dequeue(emptyCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkQueue_CloseUnblocksDequeue(t *testing.T) {
	q := redisstore.NewWorkQueue(newClient(t), redisstore.WithPollInterval(10*time.Millisecond))

	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := redisstore.NewRateLimiter(newClient(t), 5, time.Minute)
	assert.Equal(t, 5, limiter.Limit())

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "sixth request within the window must be rejected")
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	other, err := limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are limited independently")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	ctx := context.Background()
	limiter := redisstore.NewRateLimiter(newClient(t), 2, 200*time.Millisecond)

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(250 * time.Millisecond)
	d, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	a := redisstore.NewLease(client, "reconciler:leader", "a", time.Second)
	b := redisstore.NewLease(client, "reconciler:leader", "b", time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthcheck(t *testing.T) {
	assert.NoError(t, redisstore.Healthcheck(newClient(t))(context.Background()))
}
