package api

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInsufficientData     = errors.New("insufficient historical data")
	ErrInvalidForecast      = errors.New("invalid forecast")
	ErrUnknownProblemType   = errors.New("unknown problem type")
	ErrUnknownProblemID     = errors.New("unknown problem id")
	ErrInvalidTrustLevel    = errors.New("trust level must be in [0, 1]")
	ErrForecastTimeout      = errors.New("forecast timed out")
	ErrConcurrencyConflict  = errors.New("concurrent modification of decision state")
	ErrPredictorUnavailable = errors.New("prediction service unavailable")
	// ErrPredictorMisconfigured is a local setup fault; it is never
	// transient and never absorbed by the robust fallback.
	ErrPredictorMisconfigured = errors.New("predictor misconfigured")
	ErrInvalidParams        = errors.New("invalid problem params")
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrQuotaExceeded        = errors.New("quota exceeded")
)

// IsTransient reports whether err is a forecast failure that a caller may
// retry or that the robust fallback may absorb.
func IsTransient(err error) bool {
	return errors.Is(err, ErrForecastTimeout) || errors.Is(err, ErrPredictorUnavailable)
}

// HTTPStatus maps an error from the decision core to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownProblemID):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTrustLevel),
		errors.Is(err, ErrUnknownProblemType),
		errors.Is(err, ErrInsufficientData),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidForecast), errors.Is(err, ErrPredictorUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrForecastTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled):
		// nginx convention for a client that went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}
