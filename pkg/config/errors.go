package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrPipelineNotFound indicates a pipeline was not found in the store.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrPipelineCycle indicates the sub-pipeline reference graph is cyclic.
	ErrPipelineCycle = errors.New("sub-pipeline reference cycle")
)

// ValidationError wraps configuration validation errors with context.
type ValidationError struct {
	Component string // pipeline, stage, role, system
	ID        string
	Field     string
	Err       error
}

// Error returns the formatted message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError.
func NewValidationError(component, id, field string, err error) error {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}
