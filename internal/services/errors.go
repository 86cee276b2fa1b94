package services

import (
	"errors"
	"net/http"
)

// Error categories surfaced to callers. Detailed causes are logged for
// operators; callers only receive the category needed to react.
var (
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("concurrency conflict")
	ErrPolicyViolation      = errors.New("action rejected")
	ErrInfrastructure       = errors.New("infrastructure failure")
)

// StatusForError maps an error category to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientResource):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPolicyViolation):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
