// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs between the order database
//     and the provider's send timestamps.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"triggermail/internal/types"
)

// Load builds and validates the process configuration. A missing or
// malformed value returns a config error; the driver must abort before any
// core operation runs.
func Load() (*Config, error) {
	// All timestamps in the ledger and in provider payloads are UTC.
	time.Local = time.UTC

	// A .env file is a local development convenience, not a requirement.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeConfigInvalid,
			"failed to process environment configuration",
			err,
		)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the populated Config against its struct tags. Exposed
// separately so tests can validate hand-built configs.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return types.NewAppError(
				types.ErrCodeConfigMissing,
				fmt.Sprintf("config field %s failed %q validation", first.Namespace(), first.Tag()),
				err,
			)
		}
		return types.NewAppError(types.ErrCodeConfigInvalid, "configuration validation failed", err)
	}
	return nil
}
