// Package errors defines the typed errors shared across hyro: template
// failures, configuration validation failures and the protocol sentinels
// used by reconciliation sessions.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeConfig     ErrorType = "config"
)

// Common error codes.
const (
	ErrCodeConfigInvalid = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound  = "ERR_FILE_NOT_FOUND"
	ErrCodeInvalidPath   = "ERR_INVALID_PATH"
	ErrCodeListen        = "ERR_LISTEN"
)

// HyroError is a structured error type with context.
type HyroError struct {
	Type      ErrorType
	Code      string
	Message   string
	Cause     error
	Component string
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *HyroError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *HyroError) Unwrap() error {
	return e.Cause
}

// Is matches another HyroError with the same type and code.
func (e *HyroError) Is(target error) bool {
	var t *HyroError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *HyroError) WithContext(key string, value interface{}) *HyroError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithComponent adds component context.
func (e *HyroError) WithComponent(component string) *HyroError {
	e.Component = component

	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *HyroError {
	return &HyroError{Type: ErrorTypeConfig, Code: code, Message: message}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *HyroError {
	return &HyroError{Type: ErrorTypeIO, Code: code, Message: message, Cause: cause}
}

// NewNetworkError creates a network error.
func NewNetworkError(code, message string, cause error) *HyroError {
	return &HyroError{Type: ErrorTypeNetwork, Code: code, Message: message, Cause: cause}
}

// FieldValidationError reports a single invalid configuration field.
type FieldValidationError struct {
	FieldName    string
	FieldValue   interface{}
	ErrorMessage string
}

// Error implements the error interface.
func (fve *FieldValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", fve.FieldName, fve.ErrorMessage)
}

// ValidationErrorCollection represents a collection of validation errors.
type ValidationErrorCollection struct {
	Errors []*FieldValidationError
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	switch len(vec.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return vec.Errors[0].Error()
	}

	messages := make([]string, 0, len(vec.Errors))
	for _, err := range vec.Errors {
		messages = append(messages, err.Error())
	}

	return fmt.Sprintf("validation failed with %d errors: %s", len(vec.Errors), strings.Join(messages, "; "))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(field string, value interface{}, message string) {
	vec.Errors = append(vec.Errors, &FieldValidationError{
		FieldName:    field,
		FieldValue:   value,
		ErrorMessage: message,
	})
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ErrOrNil returns the collection as an error, or nil when it is empty.
func (vec *ValidationErrorCollection) ErrOrNil() error {
	if !vec.HasErrors() {
		return nil
	}

	return &HyroError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeConfigInvalid,
		Message: "invalid configuration",
		Cause:   vec,
	}
}
