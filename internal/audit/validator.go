package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent is returned for events that fail validation.
var ErrInvalidEvent = errors.New("audit: invalid event")

// Validator handles validation of incoming audit events.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
	now       func() time.Time
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration `yaml:"max_age"`    // 0 disables the age check
	MaxFuture time.Duration `yaml:"max_future"` // allowed producer clock skew
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    30 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	return &Validator{
		validate:  validator.New(),
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
		now:       time.Now,
	}
}

// Validate checks struct constraints and timestamp bounds.
func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if event.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidEvent)
	}

	now := v.now().UTC()

	if v.maxAge > 0 && event.CreatedAt.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("%w: created_at too old: %v (max age: %v)", ErrInvalidEvent, event.CreatedAt, v.maxAge)
	}

	if v.maxFuture > 0 && event.CreatedAt.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("%w: created_at in future: %v (max future: %v)", ErrInvalidEvent, event.CreatedAt, v.maxFuture)
	}

	return nil
}
