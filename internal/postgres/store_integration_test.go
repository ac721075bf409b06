//go:build integration

package postgres_test

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/postgres"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/internal/store/storetest"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgCtr, err := tcPostgres.Run(ctx, "postgres:16-alpine",
		tcPostgres.WithDatabase("tasks"),
		tcPostgres.WithUsername("tasks"),
		tcPostgres.WithPassword("tasks"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	dsn, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer testPool.Close()

	if err := postgres.Migrate(ctx, testPool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	return m.Run()
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE tasks")
	require.NoError(t, err)
	return postgres.NewStore(testPool)
}

func TestStore(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestMigrate_Idempotent(t *testing.T) {
	err := postgres.Migrate(context.Background(), testPool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
}

func TestStore_NullResult(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rec := storetest.NewRecord("noop", time.Now().UTC())
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.MarkRunning(ctx, rec.ID, 1, time.Now()))
	require.NoError(t, s.MarkSucceeded(ctx, rec.ID, nil))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	assert.Empty(t, got.Result)
}

func TestHealthcheck(t *testing.T) {
	assert.NoError(t, postgres.Healthcheck(testPool)(context.Background()))
}
