package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every relay environment variable.
const EnvPrefix = "RURU_RELAY_"

// ParseEnv loads configuration from environment variables.
//
// Field tags name the variable without the shared prefix, so
// `env:"HTTP_ADDR"` reads RURU_RELAY_HTTP_ADDR.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
