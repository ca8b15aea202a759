// Package errors defines the pipeline's error taxonomy. Every failed run
// surfaces exactly one of the sentinel errors below, wrapped with stage
// context, so callers can dispatch on errors.Is and the progress notifier
// can render a human-readable reason.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuth       = errors.New("source authentication failed")
	ErrExport     = errors.New("export job failed")
	ErrTimeout    = errors.New("export polling deadline exceeded")
	ErrArchive    = errors.New("export archive invalid")
	ErrCredential = errors.New("storage credential delegation failed")
	ErrUpload     = errors.New("object upload failed")
	ErrDispatch   = errors.New("packaging job dispatch failed")
	ErrConflict   = errors.New("document already being processed")
	ErrInvalid    = errors.New("invalid input")
)

// AppError pairs a sentinel with stage-specific detail.
type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel with a message.
func New(sentinel error, message string) *AppError {
	return &AppError{Err: sentinel, Message: message}
}

// Newf wraps a sentinel with a formatted message.
func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// Reason translates a pipeline error into the human-readable string shown
// on the document's status surface.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "Could not authenticate with the Entry API."
	case errors.Is(err, ErrExport):
		return "The Entry export job failed."
	case errors.Is(err, ErrTimeout):
		return "Timed out waiting for the Entry export to finish."
	case errors.Is(err, ErrArchive):
		return "The export archive could not be read."
	case errors.Is(err, ErrCredential):
		return "Could not obtain storage credentials."
	case errors.Is(err, ErrUpload):
		return "Uploading the exported files failed."
	case errors.Is(err, ErrDispatch):
		return "Files were uploaded but the packaging job could not be queued."
	case errors.Is(err, ErrConflict):
		return "Another export for this document is already in progress."
	default:
		return "The export pipeline failed unexpectedly."
	}
}

// HTTPStatusCode maps a pipeline error to the status the webhook layer
// returns to the event sender.
func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrAuth), errors.Is(err, ErrExport),
		errors.Is(err, ErrArchive), errors.Is(err, ErrCredential),
		errors.Is(err, ErrUpload), errors.Is(err, ErrDispatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
