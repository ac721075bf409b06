package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-submit/internal/backend"
	"github.com/ramiqadoumi/go-task-submit/internal/settings"
	"github.com/ramiqadoumi/go-task-submit/services/reconciler"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one stale-task sweep and exit",
	Long: `Re-enqueue SUBMITTED tasks older than --stale-after and mark those older
than --give-up-after FAILED. Useful after a queue outage.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	core := settings.LoadCore(v)
	if err := core.Validate(); err != nil {
		return err
	}
	logger := buildLogger(core.LogLevel, "worker")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	b, err := backend.Open(ctx, core.Backend(), logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if !b.Shared() {
		return fmt.Errorf("reconcile needs shared backends, got store=%s queue=%s",
			core.StoreBackend, core.QueueBackend)
	}

	rec := reconciler.New(b.Store, b.Queue,
		reconciler.WithLogger(logger),
		reconciler.WithStaleAfter(v.GetDuration("stale_after")),
		reconciler.WithGiveUpAfter(v.GetDuration("give_up_after")),
	)
	res, err := rec.Sweep(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "requeued: %d  abandoned: %d  skipped: %d\n",
		res.Requeued, res.Abandoned, res.Skipped)
	return err
}
