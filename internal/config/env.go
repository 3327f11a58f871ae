package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds runtime settings read from the environment. They are outside the
// conservation model and never affect replay.
type Env struct {
	DBPath       string `env:"CONSERVE_DB" envDefault:"conserve.db"`
	LogLevel     string `env:"CONSERVE_LOG_LEVEL" envDefault:"info"`
	MetricsAddr  string `env:"CONSERVE_METRICS_ADDR"`
	RedisAddr    string `env:"CONSERVE_REDIS_ADDR"`
	RedisStream  string `env:"CONSERVE_REDIS_STREAM" envDefault:"conserve:audit"`
	OTLPEndpoint string `env:"CONSERVE_OTEL_ENDPOINT"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// LoadEnvFrom reads Env from vars instead of the process environment.
func LoadEnvFrom(vars map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}
