package domain

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateProgramInfo checks the compiler-produced connector lists before
// the automaton derives a deployment_config from them. A failure here is
// reported as the "invalid persisted artifacts" error kind, never panics.
func ValidateProgramInfo(info *ProgramInfo) error {
	if info == nil {
		return fmt.Errorf("program_info is missing")
	}
	if err := validate.Struct(info); err != nil {
		return fmt.Errorf("invalid program_info: %w", err)
	}
	return nil
}

// ParseRuntimeConfig unmarshals and validates the user-supplied runtime
// config blob, returning the subset of fields the automaton consults.
func ParseRuntimeConfig(raw json.RawMessage) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if len(raw) == 0 {
		return cfg, fmt.Errorf("runtime_config is empty")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid runtime_config: %w", err)
	}
	cfg.Extra = raw
	return cfg, nil
}
