// Package errors defines the typed error kinds used across the graph
// construction pipeline. Only Configuration and fatal Storage errors are
// meant to propagate to callers; every other kind is recovered locally and
// recorded in the result record of the unit that produced it.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeConfiguration    ErrorType = "CONFIGURATION"
	ErrorTypeExtraction       ErrorType = "EXTRACTION"
	ErrorTypeTransformation   ErrorType = "TRANSFORMATION"
	ErrorTypeValidation       ErrorType = "VALIDATION"
	ErrorTypeStorage          ErrorType = "STORAGE"
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
	ErrorTypeDuplicateID      ErrorType = "DUPLICATE_ID"
	ErrorTypeNotInitialized   ErrorType = "NOT_INITIALIZED"
	ErrorTypeUnsupportedQuery ErrorType = "UNSUPPORTED_QUERY"
	ErrorTypeCancelled        ErrorType = "CANCELLED"
	ErrorTypeInternal         ErrorType = "INTERNAL"
)

// AppError is the custom error type for the application
type AppError struct {
	Type    ErrorType
	Message string
	Err     error

	// Fatal marks a storage error that must abort the whole import rather
	// than being counted and skipped.
	Fatal bool
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewConfiguration creates a configuration error. Configuration errors are
// raised synchronously, before any I/O, and always propagate to the caller.
func NewConfiguration(message string) error {
	return &AppError{Type: ErrorTypeConfiguration, Message: message}
}

// NewExtraction creates an extraction error (an extractor failed).
func NewExtraction(message string, err error) error {
	return &AppError{Type: ErrorTypeExtraction, Message: message, Err: err}
}

// NewTransformation creates a transformation error (type cast failure,
// missing required column, missing relation endpoint id).
func NewTransformation(message string, err error) error {
	return &AppError{Type: ErrorTypeTransformation, Message: message, Err: err}
}

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewStorage creates a non-fatal storage error. Non-fatal storage errors are
// counted and logged; the remaining writes of the import continue.
func NewStorage(message string, err error) error {
	return &AppError{Type: ErrorTypeStorage, Message: message, Err: err}
}

// NewFatalStorage creates a storage error that aborts the import.
func NewFatalStorage(message string, err error) error {
	return &AppError{Type: ErrorTypeStorage, Message: message, Err: err, Fatal: true}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewDuplicateID creates a duplicate id error
func NewDuplicateID(message string) error {
	return &AppError{Type: ErrorTypeDuplicateID, Message: message}
}

// NewNotInitialized creates an error for operations on an uninitialised store
func NewNotInitialized(message string) error {
	return &AppError{Type: ErrorTypeNotInitialized, Message: message}
}

// NewUnsupportedQuery creates an error for property lookups with no index
func NewUnsupportedQuery(message string) error {
	return &AppError{Type: ErrorTypeUnsupportedQuery, Message: message}
}

// NewCancelled creates a cancellation error
func NewCancelled(message string) error {
	return &AppError{Type: ErrorTypeCancelled, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
			Fatal:   appErr.Fatal,
		}
	}

	// Otherwise, create an internal error
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Type checking functions

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool { return isType(err, ErrorTypeConfiguration) }

// IsExtraction checks if an error is an extraction error
func IsExtraction(err error) bool { return isType(err, ErrorTypeExtraction) }

// IsTransformation checks if an error is a transformation error
func IsTransformation(err error) bool { return isType(err, ErrorTypeTransformation) }

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }

// IsStorage checks if an error is a storage error
func IsStorage(err error) bool { return isType(err, ErrorTypeStorage) }

// IsFatalStorage checks if an error is a storage error that must abort the import
func IsFatalStorage(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrorTypeStorage && appErr.Fatal
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsDuplicateID checks if an error is a duplicate id error
func IsDuplicateID(err error) bool { return isType(err, ErrorTypeDuplicateID) }

// IsNotInitialized checks if an error is a not-initialised error
func IsNotInitialized(err error) bool { return isType(err, ErrorTypeNotInitialized) }

// IsUnsupportedQuery checks if an error is an unsupported query error
func IsUnsupportedQuery(err error) bool { return isType(err, ErrorTypeUnsupportedQuery) }

// IsCancelled checks if an error is a cancellation error
func IsCancelled(err error) bool { return isType(err, ErrorTypeCancelled) }

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool { return isType(err, ErrorTypeInternal) }
