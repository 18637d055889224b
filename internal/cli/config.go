package cli

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the defaults read from the environment. Command-line flags
// override every field.
type Config struct {
	Verbose       bool          `env:"FORMSTATE_VERBOSE"`
	Format        string        `env:"FORMSTATE_FORMAT" envDefault:"text"`
	MaxCascade    int           `env:"FORMSTATE_MAX_CASCADE" envDefault:"1000"`
	Journal       string        `env:"FORMSTATE_JOURNAL"`
	SettleTimeout time.Duration `env:"FORMSTATE_SETTLE_TIMEOUT" envDefault:"5s"`
}

// LoadConfig reads Config from the process environment.
func LoadConfig() (Config, error) {
	return parseConfig(env.Options{})
}

// LoadConfigFrom reads Config from environ instead of the process
// environment.
func LoadConfigFrom(environ map[string]string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return parseConfig(env.Options{Environment: environ})
}

func parseConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.MaxCascade < 0 {
		return Config{}, fmt.Errorf("FORMSTATE_MAX_CASCADE must be non-negative, got %d", cfg.MaxCascade)
	}
	return cfg, nil
}
