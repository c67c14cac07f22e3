package server

import (
	"net/http"

	"github.com/teranos/batchpub/errors"
)

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.IsNotFoundError(err), errors.Is(err, errors.ErrUnknownPublication):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err), errors.IsInvalidDocumentID(err),
		errors.Is(err, errors.ErrMissingCollection):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
