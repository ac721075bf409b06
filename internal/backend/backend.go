// Package backend opens the record store and work queue selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-submit/internal/postgres"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	redisstore "github.com/ramiqadoumi/go-task-submit/internal/redis"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
)

const (
	Memory   = "memory"
	Postgres = "postgres"
	Redis    = "redis"
)

// Config selects and locates the backends.
type Config struct {
	StoreBackend      string
	QueueBackend      string
	RedisAddr         string
	PostgresDSN       string
	Lanes             []string
	VisibilityTimeout time.Duration
	// AutoMigrate applies pending migrations when the PostgreSQL store is opened.
	AutoMigrate bool
}

// Backends holds the opened store and queue plus the clients behind them.
type Backends struct {
	Store store.Store
	Queue queue.Queue

	// Redis is non-nil when either backend uses Redis.
	Redis *goredis.Client
	// Postgres is non-nil when the store backend is PostgreSQL.
	Postgres *pgxpool.Pool

	checks []telemetry.ReadinessCheck
}

// Open connects the configured backends. On error everything opened so far is closed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.StoreBackend == Redis || cfg.QueueBackend == Redis {
		b.Redis = redisstore.NewClient(cfg.RedisAddr)
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		b.checks = append(b.checks, telemetry.Check("redis", redisstore.Healthcheck(b.Redis)))
	}

	switch cfg.StoreBackend {
	case Memory, "":
		b.Store = store.NewMemory()
	case Redis:
		b.Store = redisstore.NewRecordStore(b.Redis)
	case Postgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.Postgres = pool
		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool, logger); err != nil {
				return nil, err
			}
		}
		b.Store = postgres.NewStore(pool)
		b.checks = append(b.checks, telemetry.Check("postgres", postgres.Healthcheck(pool)))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	lanes := cfg.Lanes
	switch cfg.QueueBackend {
	case Memory, "":
		var opts []queue.MemoryOption
		if len(lanes) > 0 {
			opts = append(opts, queue.WithLanes(lanes...))
		}
		if cfg.VisibilityTimeout > 0 {
			opts = append(opts, queue.WithVisibilityTimeout(cfg.VisibilityTimeout))
		}
		b.Queue = queue.NewMemory(opts...)
	case Redis:
		var opts []redisstore.WorkQueueOption
		if len(lanes) > 0 {
			opts = append(opts, redisstore.WithLanes(lanes...))
		}
		if cfg.VisibilityTimeout > 0 {
			opts = append(opts, redisstore.WithVisibilityTimeout(cfg.VisibilityTimeout))
		}
		b.Queue = redisstore.NewWorkQueue(b.Redis, opts...)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	logger.Info("backends opened",
		slog.String("store", nonEmpty(cfg.StoreBackend)),
		slog.String("queue", nonEmpty(cfg.QueueBackend)),
	)
	return b, nil
}

// Shared reports whether the store and queue outlive this process and can be
// reached by other processes.
func (b *Backends) Shared() bool {
	_, memStore := b.Store.(*store.Memory)
	_, memQueue := b.Queue.(*queue.Memory)
	return !memStore && !memQueue
}

// Checks returns readiness probes for every network backend.
func (b *Backends) Checks() []telemetry.ReadinessCheck {
	return b.checks
}

// Close releases the queue and every client. It is safe to call on a partially opened value.
func (b *Backends) Close() {
	if b.Queue != nil {
		_ = b.Queue.Close()
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.Postgres != nil {
		b.Postgres.Close()
	}
}

func nonEmpty(s string) string {
	if s == "" {
		return Memory
	}
	return s
}
