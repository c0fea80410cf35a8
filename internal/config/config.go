// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Token        string  `env:"TOKEN,required,notEmpty"`
	DBPath       string  `env:"DB_PATH"        envDefault:"db.sqlite"`
	AllowedUsers []int64 `env:"ALLOWED_USERS"`

	PollInterval      time.Duration `env:"POLL_INTERVAL"       envDefault:"10m"`
	FailureThreshold  int           `env:"FAILURE_THRESHOLD"   envDefault:"5"`
	SuspendRetryAfter time.Duration `env:"SUSPEND_RETRY_AFTER" envDefault:"1h"`
	DefaultCooldown   time.Duration `env:"DEFAULT_COOLDOWN"    envDefault:"0s"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}
