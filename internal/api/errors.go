package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets every REST failure into the handful of cases callers
// actually branch on. Nothing above the dispatcher should ever have to
// look at a raw HTTP status.
type Kind string

const (
	KindNetwork      Kind = "NetworkError"
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
	KindConflict     Kind = "Conflict"
	KindValidation   Kind = "ValidationError"
	KindNotFound     Kind = "NotFound"
)

type APIError struct {
	Kind    Kind
	Status  int // 0 when the request never reached the server
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func newValidationError(msg string) *APIError {
	return &APIError{Kind: KindValidation, Message: msg}
}

func networkError(err error) *APIError {
	return &APIError{Kind: KindNetwork, Message: err.Error()}
}

func errorFromStatus(status int, message string) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	e := &APIError{Status: status, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusConflict:
		e.Kind = KindConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	default:
		// Includes 5xx: nothing the user did wrong, retry may help.
		e.Kind = KindNetwork
	}
	return e
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, k Kind) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == k
}
