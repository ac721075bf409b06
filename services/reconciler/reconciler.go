// Package reconciler re-dispatches tasks whose enqueue never happened.
//
// The dispatcher writes the record before it enqueues the envelope, so a queue
// outage leaves records in SUBMITTED with nothing in the queue to drive them.
// The reconciler finds those records on a cron schedule and either enqueues
// them again or, once they are too old to be useful, marks them FAILED.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
)

const (
	DefaultSchedule    = "@every 1m"
	DefaultStaleAfter  = 15 * time.Minute
	DefaultGiveUpAfter = 24 * time.Hour
	DefaultBatchSize   = 500
)

// Leader decides whether this process should run the sweep.
// *redis.Lease satisfies it.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

// Result summarises one sweep.
type Result struct {
	Requeued  int
	Abandoned int
	Skipped   int
}

// Reconciler sweeps stale SUBMITTED records.
type Reconciler struct {
	store  store.Store
	queue  queue.Queue
	leader Leader

	schedule    string
	staleAfter  time.Duration
	giveUpAfter time.Duration
	batchSize   int
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLeader(l Leader) Option             { return func(r *Reconciler) { r.leader = l } }
func WithSchedule(expr string) Option        { return func(r *Reconciler) { r.schedule = expr } }
func WithStaleAfter(d time.Duration) Option  { return func(r *Reconciler) { r.staleAfter = d } }
func WithGiveUpAfter(d time.Duration) Option { return func(r *Reconciler) { r.giveUpAfter = d } }
func WithBatchSize(n int) Option             { return func(r *Reconciler) { r.batchSize = n } }
func WithClock(now func() time.Time) Option  { return func(r *Reconciler) { r.now = now } }
func WithLogger(l *slog.Logger) Option       { return func(r *Reconciler) { r.logger = l } }

// New creates a Reconciler with a one-minute schedule, a 15m stale threshold
// and a 24h give-up threshold.
func New(s store.Store, q queue.Queue, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		queue:       q,
		schedule:    DefaultSchedule,
		staleAfter:  DefaultStaleAfter,
		giveUpAfter: DefaultGiveUpAfter,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run sweeps on the configured cron schedule until ctx is cancelled.
// It waits for a running sweep to finish before returning.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", r.schedule, err)
	}

	r.logger.Info("reconciler started",
		slog.String("schedule", r.schedule),
		slog.Duration("stale_after", r.staleAfter),
		slog.Duration("give_up_after", r.giveUpAfter),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.leader != nil {
		ok, err := r.leader.Acquire(ctx)
		if err != nil {
			r.logger.Error("leader election", slog.String("error", err.Error()))
			return
		}
		if !ok {
			r.logger.Debug("not the reconciler leader, skipping sweep")
			return
		}
	}

	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
	if res.Requeued+res.Abandoned > 0 {
		r.logger.Info("sweep finished",
			slog.Int("requeued", res.Requeued),
			slog.Int("abandoned", res.Abandoned),
			slog.Int("skipped", res.Skipped),
		)
	}
}

// Sweep handles one batch of SUBMITTED records not updated within the stale
// threshold. Records created before the give-up threshold are marked FAILED
// with QueueUnavailable. The rest are stamped and enqueued again as first
// attempts, so each record is re-dispatched at most once per stale window.
// Errors on individual records are collected and the sweep continues.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := r.now().UTC()

	staleBefore := now.Add(-r.staleAfter)
	stale, err := r.store.ListStale(ctx, domain.StateSubmitted, staleBefore, r.batchSize)
	if err != nil {
		return res, &domain.StoreUnavailableError{Op: "list stale", Err: err}
	}

	var errs []error
	giveUpBefore := now.Add(-r.giveUpAfter)
	for _, rec := range stale {
		log := r.logger.With(slog.String("task_id", rec.ID), slog.String("handler", rec.HandlerName))

		if rec.CreatedAt.Before(giveUpBefore) {
			msg := fmt.Sprintf("not dispatched within %s", r.giveUpAfter)
			err := r.store.MarkFailed(ctx, rec.ID, domain.KindQueueUnavailable, msg)
			var invalid *domain.InvalidTransitionError
			switch {
			case errors.As(err, &invalid):
				res.Skipped++
			case err != nil:
				errs = append(errs, fmt.Errorf("abandon %s: %w", rec.ID, err))
			default:
				res.Abandoned++
				telemetry.ReconcilerAbandonedTotal.Inc()
				log.Warn("abandoned undispatched task")
			}
			continue
		}

		// Stamping first keeps the record out of the next sweeps until the
		// copy enqueued here has had a full stale window to run.
		err := r.store.MarkRequeued(ctx, rec.ID, staleBefore)
		var invalid *domain.InvalidTransitionError
		switch {
		case errors.As(err, &invalid):
			res.Skipped++
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("stamp %s: %w", rec.ID, err))
			continue
		}

		if err := r.queue.Enqueue(ctx, rec.Envelope(), 0); err != nil {
			errs = append(errs, &domain.QueueUnavailableError{Op: "enqueue " + rec.ID, Err: err})
			continue
		}
		res.Requeued++
		telemetry.ReconcilerRequeuedTotal.Inc()
		log.Info("re-enqueued stale task")
	}
	return res, errors.Join(errs...)
}
