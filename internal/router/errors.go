package router

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors matched with errors.Is against a *RouteError.
var (
	ErrValidation            = errors.New("validation failed")
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrUnknownTier           = errors.New("unknown tier")
	ErrProvider              = errors.New("provider failed")
)

// Failure codes, also used as the event status of a failed transaction.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeClassifierUnavailable = "CLASSIFIER_UNAVAILABLE"
	CodeUnknownTier           = "UNKNOWN_TIER"
	CodeProvider              = "PROVIDER_ERROR"
)

// Pipeline stages a failure can originate from.
const (
	StageValidate = "validate"
	StageClassify = "classify"
	StageSelect   = "select"
	StageDispatch = "dispatch"
)

// RouteError is the single error type returned by Route.
type RouteError struct {
	Code      string
	Stage     string
	RequestID string
	Err       error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RouteError) Unwrap() error { return e.Err }

// Is matches the sentinel that corresponds to the error's code.
func (e *RouteError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *RouteError) sentinel() error {
	switch e.Code {
	case CodeValidation:
		return ErrValidation
	case CodeClassifierUnavailable:
		return ErrClassifierUnavailable
	case CodeUnknownTier:
		return ErrUnknownTier
	case CodeProvider:
		return ErrProvider
	}
	return nil
}

// HTTPStatus maps the error to the status code returned to callers.
func (e *RouteError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeClassifierUnavailable, CodeProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func validationError(requestID, format string, args ...interface{}) *RouteError {
	return &RouteError{
		Code:      CodeValidation,
		Stage:     StageValidate,
		RequestID: requestID,
		Err:       fmt.Errorf(format, args...),
	}
}
