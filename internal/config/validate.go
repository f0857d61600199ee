package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validatePrefixes(); err != nil {
		return err
	}

	if c.Journal.Type == "sqlite" && c.Journal.Path == "" {
		return errors.New("journal.path is required when journal.type is sqlite")
	}

	return nil
}

// validatePrefixes rejects two services claiming the same path prefix.
func (c *Config) validatePrefixes() error {
	owners := make(map[string]string, len(c.Services))
	for _, name := range c.ServiceNames() {
		prefix := strings.TrimSuffix(c.Services[name].Prefix, "/")
		if prefix == "" {
			return fmt.Errorf("services.%s.prefix must not be the root path", name)
		}
		if other, exists := owners[prefix]; exists {
			return fmt.Errorf("services.%s.prefix %q is already used by services.%s", name, prefix, other)
		}
		owners[prefix] = name
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
