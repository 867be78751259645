// Package apperr provides the structured error type shared by the capture,
// detection and serving layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for the HTTP boundary.
type Code string

const (
	SourceUnavailable Code = "source_unavailable"
	DecodeFailure     Code = "decode_failure"
	ProcessingFailure Code = "processing_failure"
	InvalidConfig     Code = "invalid_config"
	StateError        Code = "state_error"
	InvalidRequest    Code = "invalid_request"
	NotFound          Code = "not_found"
	Internal          Code = "internal"
)

var httpStatus = map[Code]int{
	SourceUnavailable: http.StatusBadRequest,
	DecodeFailure:     http.StatusBadRequest,
	ProcessingFailure: http.StatusInternalServerError,
	InvalidConfig:     http.StatusBadRequest,
	StateError:        http.StatusConflict,
	InvalidRequest:    http.StatusBadRequest,
	NotFound:          http.StatusNotFound,
	Internal:          http.StatusInternalServerError,
}

// Error is the base error type with structured code and metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code the API answers with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithMetadata adds a key/value pair to the error.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// New creates a new Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsCode checks whether any *Error in err's chain carries code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// HTTPStatus maps any error onto a response status.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
