package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against struct tags plus the
// cross-field constraints tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &ValidationError{
				Field: first.Namespace(),
				Err:   fmt.Errorf("%w: failed %q constraint", ErrValidationFailed, first.Tag()),
			}
		}
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	if !cfg.Scheduler.ResourceAllocationStrategy.Valid() {
		return &ValidationError{Field: "scheduler.resource_allocation_strategy", Err: ErrInvalidValue}
	}
	if !cfg.Scheduler.CapacityPolicy.Valid() {
		return &ValidationError{Field: "scheduler.capacity_policy", Err: ErrInvalidValue}
	}
	if cfg.Scaling.MaxAgents < cfg.Scaling.MinAgents {
		return &ValidationError{
			Field: "auto_scaling.max_agents",
			Err:   fmt.Errorf("%w: must be >= min_agents", ErrInvalidValue),
		}
	}
	if cfg.Scaling.ScaleDownPercent >= cfg.Scaling.ScaleUpPercent {
		return &ValidationError{
			Field: "auto_scaling.scale_down_percent",
			Err:   fmt.Errorf("%w: must be below scale_up_percent", ErrInvalidValue),
		}
	}
	if cfg.Store.Backend == "redis" && cfg.Store.Addr == "" {
		return &ValidationError{Field: "store.addr", Err: ErrInvalidValue}
	}
	return nil
}
