// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for the HTTP boundary.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrValidation = errors.New("validation failed")
	ErrTooMany    = errors.New("too many requests")
)

// RetryAfter is advertised on 503 responses caused by retryable errors.
var RetryAfter = 2 * time.Second

// badRequester is implemented by domain errors caused by caller input.
type badRequester interface {
	BadRequest() bool
}

// retryabler is implemented by domain errors caused by transient storage failures.
type retryabler interface {
	Retryable() bool
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var br badRequester
	var re retryabler
	switch {
	case err == nil:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.As(err, &br) && br.BadRequest():
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrTooMany):
		Problem(w, http.StatusTooManyRequests, "Too Many Requests", err.Error())
	case errors.As(err, &re) && re.Retryable():
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "storage temporarily unavailable, retry later")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
