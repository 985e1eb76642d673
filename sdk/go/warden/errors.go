// Package warden provides a Go client for the Warden agent monitoring API.
package warden

import (
	"errors"
	"fmt"
)

// Error represents an error from the Warden API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("warden: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, 403) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsInvalidTransition returns true if an issue status change was refused
// because the issue's current status does not allow it.
func IsInvalidTransition(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == 409 && e.Code == "INVALID_TRANSITION"
}
