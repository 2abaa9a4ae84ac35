package connectlink

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransientIO marks network or backend unavailability. Callers retry.
	ErrTransientIO = errors.New("connectlink: transient I/O failure")
	// ErrValidation marks input rejected before or by the backend.
	ErrValidation = errors.New("connectlink: validation failed")
	// ErrAuth marks an unauthenticated caller or a sender that is not a
	// participant of the conversation.
	ErrAuth = errors.New("connectlink: not authorized")
	// ErrDataIntegrity marks malformed rows, such as a 1:1 conversation
	// without exactly one other participant.
	ErrDataIntegrity = errors.New("connectlink: data integrity violation")

	ErrNotFound = errors.New("connectlink: not found")
	ErrClosed   = errors.New("connectlink: closed")
)

// APIError is an error body returned by the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is maps the HTTP status onto the error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTransientIO:
		return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests || e.Status >= 500
	case ErrAuth:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusConflict || e.Status == http.StatusUnprocessableEntity
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transientError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransientIO, err)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

func isAuth(err error) bool       { return errors.Is(err, ErrAuth) }
func isValidation(err error) bool { return errors.Is(err, ErrValidation) }
