package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or all problems joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	// Bot command is required
	if strings.TrimSpace(cfg.BotCommand) == "" {
		errs = append(errs, ValidationError{
			Field:   "bot_cmd",
			Message: "bot command is required",
		})
	}

	// Env entries must be KEY=VALUE
	for _, kv := range cfg.BotEnv {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, ValidationError{
				Field:   "bot_env",
				Message: fmt.Sprintf("must be KEY=VALUE (got %q)", kv),
			})
		}
	}

	// Need some way to recognise the room URL
	if cfg.MarkerRegexp != "" {
		if err := validateRegexp(cfg.MarkerRegexp); err != nil {
			errs = append(errs, ValidationError{
				Field:   "marker_regexp",
				Message: err.Error(),
			})
		}
	} else if strings.TrimSpace(cfg.Marker) == "" {
		errs = append(errs, ValidationError{
			Field:   "marker",
			Message: "must not be empty (or set marker_regexp)",
		})
	}

	// Limits must not be negative
	if cfg.MaxBotsPerRoom < 0 {
		errs = append(errs, ValidationError{
			Field:   "max_bots_per_room",
			Message: "must be >= 0",
		})
	}
	if cfg.MaxBots < 0 {
		errs = append(errs, ValidationError{
			Field:   "max_bots",
			Message: "must be >= 0",
		})
	}
	if cfg.MaxBots > 0 && cfg.MaxBotsPerRoom > cfg.MaxBots {
		errs = append(errs, ValidationError{
			Field:   "max_bots_per_room",
			Message: fmt.Sprintf("must be <= max_bots (%d)", cfg.MaxBots),
		})
	}

	// Durations
	if cfg.ResultTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "result_timeout",
			Message: "must be positive",
		})
	}
	if cfg.GracePeriod <= 0 {
		errs = append(errs, ValidationError{
			Field:   "grace_period",
			Message: "must be positive",
		})
	}
	if cfg.GracePeriod > time.Minute {
		errs = append(errs, ValidationError{
			Field:   "grace_period",
			Message: fmt.Sprintf("must be at most %v (got %v)", time.Minute, cfg.GracePeriod),
		})
	}
	if cfg.RetainFinished < 0 {
		errs = append(errs, ValidationError{
			Field:   "retain_finished",
			Message: "must be >= 0",
		})
	}

	// Addresses
	if err := validateAddr(cfg.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "listen",
			Message: err.Error(),
		})
	}
	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: err.Error(),
			})
		}
		if cfg.MetricsAddr == cfg.ListenAddr {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: "must differ from listen",
			})
		}
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateAddr checks a host:port listen address.
func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	if strings.Contains(addr, "://") {
		return errors.New("must be host:port, not a URL")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

// validateRegexp checks the marker expression compiles and has a group.
func validateRegexp(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid regexp: %w", err)
	}
	if re.NumSubexp() < 1 {
		return errors.New("needs a capture group for the room URL")
	}
	return nil
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Verbose = true
	cfg.TUIEnabled = false
	cfg.MetricsAddr = ""
}
