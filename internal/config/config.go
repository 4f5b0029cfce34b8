package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration for the control plane, loaded from
// AUTHPLANE_-prefixed environment variables.
type Config struct {
	Addr        string `env:"AUTHPLANE_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"AUTHPLANE_PG_DSN"`

	// Identity provider boundary.
	JWKSURL  string        `env:"AUTHPLANE_JWKS_URL"`
	Issuer   string        `env:"AUTHPLANE_ISSUER"`
	Audience string        `env:"AUTHPLANE_AUDIENCE"`
	JWKSTTL  time.Duration `env:"AUTHPLANE_JWKS_TTL" envDefault:"1h"`

	// Every dependency call (key fetch, datastore query) is bounded by this
	// timeout; a timed-out call collapses to deny.
	DependencyTimeout time.Duration `env:"AUTHPLANE_DEP_TIMEOUT" envDefault:"5s"`

	SessionTTL    time.Duration `env:"AUTHPLANE_SESSION_TTL" envDefault:"168h"`
	SweepSchedule string        `env:"AUTHPLANE_SWEEP_SCHEDULE" envDefault:"@every 10m"`

	// When true, a failed audit write is logged at error level for alerting;
	// otherwise it is a best-effort drop logged at warn level.
	AuditAlert bool `env:"AUTHPLANE_AUDIT_ALERT" envDefault:"false"`

	RateLimitPerSecond int `env:"AUTHPLANE_RATE_PER_SECOND" envDefault:"50"`
	RateLimitBurst     int `env:"AUTHPLANE_RATE_BURST" envDefault:"100"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
