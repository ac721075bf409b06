package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-submit/internal/settings"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	settings.Core

	HTTPPort     string `validate:"required,numeric"`
	MetricsAddr  string
	OTelEndpoint string

	JWTSecret string        `validate:"required,min=8"`
	TokenTTL  time.Duration `validate:"gt=0"`
	// Users maps a username to its bcrypt hash.
	Users map[string]string `validate:"dive,keys,required,endkeys,startswith=$2"`

	RateLimit  int           `validate:"gte=1"`
	RateWindow time.Duration `validate:"gt=0"`

	// EmbeddedWorkers runs a worker pool inside the gateway process. Required
	// with the memory backends, which no other process can reach.
	EmbeddedWorkers bool
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Core:            settings.LoadCore(v),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		JWTSecret:       v.GetString("jwt_secret"),
		TokenTTL:        v.GetDuration("token_ttl"),
		Users:           v.GetStringMapString("users"),
		RateLimit:       v.GetInt("rate_limit"),
		RateWindow:      v.GetDuration("rate_window"),
		EmbeddedWorkers: v.GetBool("embedded_workers"),
	}
	if err := settings.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Core.Validate()
}
