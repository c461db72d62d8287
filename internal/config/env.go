package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// applyEnvOverrides modifies config in place with SAFEWALK_* values.
// Variables that are unset leave the current value alone.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
