package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-submit/internal/settings"
)

// Config holds typed configuration for the worker service.
type Config struct {
	settings.Core

	WorkerID     string
	MetricsAddr  string
	OTelEndpoint string

	// Reconcile runs the stale-task sweep in this process.
	Reconcile         bool
	ReconcileSchedule string        `validate:"required_if=Reconcile true"`
	StaleAfter        time.Duration `validate:"gt=0"`
	GiveUpAfter       time.Duration `validate:"gtfield=StaleAfter"`
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Core:              settings.LoadCore(v),
		WorkerID:          v.GetString("worker_id"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		Reconcile:         v.GetBool("reconcile"),
		ReconcileSchedule: v.GetString("reconcile_schedule"),
		StaleAfter:        v.GetDuration("stale_after"),
		GiveUpAfter:       v.GetDuration("give_up_after"),
	}
	if err := settings.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Core.Validate()
}
