// Package apperr holds the error taxonomy shared by the workflows and the
// Result value that workflow entry points hand back to callers.
package apperr

import (
	"context"
	"errors"
	"net/http"

	"bookmarket/pkg/store"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	// ErrDeferred marks a multi-step operation whose remaining steps were
	// handed to the outbox after a failure.
	ErrDeferred = errors.New("remaining steps deferred")
)

// Kind maps an error to a stable label used in logs and results.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeferred):
		return "deferred"
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return "transient"
	}
	return "unexpected"
}

// HTTPStatus maps an error kind to the status code the API answers with.
func HTTPStatus(kind string) int {
	switch kind {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition", "already_processed", "conflict", "insufficient_stock":
		return http.StatusConflict
	case "validation":
		return http.StatusBadRequest
	case "deferred":
		return http.StatusAccepted
	case "transient":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Result is what workflow entry points return instead of an error: the
// message is meant to be shown to the user verbatim.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	ID      string `json:"id,omitempty"`
}

func OK(message string) Result {
	return Result{Success: true, Message: message}
}

func Fail(message string, err error) Result {
	return Result{Success: false, Message: message, Kind: Kind(err)}
}
