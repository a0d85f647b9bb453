// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"
)

// Sentinel errors handlers wrap domain failures in.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("request cannot be applied")
	ErrConflict      = errors.New("conflicting state")
	ErrBusy          = errors.New("resource busy")
)

// RetryAfterSeconds is advertised on ErrBusy responses.
const RetryAfterSeconds = 1

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnprocessable):
		Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		Problem(w, http.StatusConflict, "Busy", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
