// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := Classify(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	problem := ProblemDetail{Title: title, Status: status, Detail: detail}
	var itemErr *shared.ItemError
	if errors.As(err, &itemErr) {
		problem.ItemID = itemErr.ItemID
	}
	if shared.Retryable(err) {
		problem.Retryable = true
	}
	JSON(w, status, problem)
}

// Classify returns the HTTP status and problem title for err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrInvalidQuantity):
		return http.StatusUnprocessableEntity, "Invalid Quantity"
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrAlreadyTerminal):
		return http.StatusConflict, "Already Terminal"
	case errors.Is(err, shared.ErrInvalidTransition):
		return http.StatusConflict, "Invalid Transition"
	case errors.Is(err, shared.ErrWrongStage):
		return http.StatusConflict, "Wrong Stage"
	case errors.Is(err, shared.ErrOutcomesPending):
		return http.StatusConflict, "Outcomes Pending"
	case errors.Is(err, shared.ErrConcurrentModification):
		return http.StatusConflict, "Concurrent Modification"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Duplicate Request"
	case errors.Is(err, shared.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "Dependency Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
