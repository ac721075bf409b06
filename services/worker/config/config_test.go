package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("log_level", "info")
	v.Set("store_backend", "redis")
	v.Set("queue_backend", "redis")
	v.Set("redis_addr", "localhost:6379")
	v.Set("priority_lanes", []string{"high_priority", "default"})
	v.Set("visibility_timeout", "5m")
	v.Set("max_retries", 3)
	v.Set("backoff", "constant")
	v.Set("backoff_base", "60s")
	v.Set("task_timeout", "30s")
	v.Set("concurrency", 4)
	v.Set("metrics_addr", ":9091")
	v.Set("reconcile", true)
	v.Set("reconcile_schedule", "@every 1m")
	v.Set("stale_after", "15m")
	v.Set("give_up_after", "24h")
	return v
}

func TestLoad(t *testing.T) {
	cfg, err := Load(validViper())
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.True(t, cfg.Reconcile)
	assert.Equal(t, 15*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.GiveUpAfter)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want string
	}{
		{"give up before stale", "give_up_after", "1m", "GiveUpAfter"},
		{"schedule required", "reconcile_schedule", "", "ReconcileSchedule"},
		{"core rules apply", "concurrency", 0, "Concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validViper()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
