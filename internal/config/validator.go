package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "telegram.token")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the settings needed to run the bot and returns all failures.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Telegram.Token == "" {
		errs = append(errs, ValidationError{Field: "telegram.token", Value: "", Message: "is required"})
	}
	if c.Telegram.TargetChannel == "" {
		errs = append(errs, ValidationError{Field: "telegram.target_channel", Value: "", Message: "is required"})
	}
	if len(c.Telegram.AdminIDs) == 0 {
		errs = append(errs, ValidationError{Field: "telegram.admin_ids", Value: c.Telegram.AdminIDs, Message: "at least one moderator is required"})
	}
	if len(c.Gemini.Models) == 0 {
		errs = append(errs, ValidationError{Field: "gemini.models", Value: c.Gemini.Models, Message: "at least one model is required"})
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, ValidationError{Field: "database.path", Value: "", Message: "is required for sqlite"})
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, ValidationError{Field: "database.url", Value: "", Message: "is required for postgres"})
		}
	default:
		errs = append(errs, ValidationError{Field: "database.driver", Value: c.Database.Driver, Message: "must be sqlite or postgres"})
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Value: "", Message: "is required when the server is enabled"})
	}
	if c.Notify.Interval < time.Second {
		errs = append(errs, ValidationError{Field: "notify.interval", Value: c.Notify.Interval, Message: "must be at least 1s"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of " + strings.Join(ValidLogLevels(), ", ")})
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		errs = append(errs, ValidationError{Field: "logging.format", Value: c.Logging.Format, Message: "must be text or json"})
	}
	return errs
}
