package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidCredentials is returned when the backend rejects a login with 400/401.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDeactivated is returned when the backend answers 403 with a deactivation marker.
	ErrAccountDeactivated = errors.New("account deactivated")
	// ErrSessionExpired is returned when a 401 could not be recovered by a refresh.
	ErrSessionExpired = errors.New("session expired")
	// ErrNetworkUnavailable marks transport-level failures. It never implies an auth failure.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrMalformedResponse is returned when a response does not match the normalized envelope.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrNotAuthenticated is returned when an operation needs a session and none exists.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidInput is returned when a request fails local validation.
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultDeactivationMarkers are matched case-insensitively against 403 messages.
var DefaultDeactivationMarkers = []string{"desactivada", "deactivated"}

// APIError is a non-2xx backend answer in the {status, message} shape.
//
// Kind, when set, is the sentinel the error classifies as and is exposed through Unwrap.
type APIError struct {
	Status  int
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Kind != nil {
		return fmt.Sprintf("%s: backend status %d: %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// IsDeactivation reports whether a 403 message carries one of the markers.
func IsDeactivation(status int, message string, markers []string) bool {
	if status != http.StatusForbidden || message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// StatusOf returns the backend status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// NetworkError marks err as a transport-level failure of op.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetworkUnavailable, op, err)
}

func malformed(op, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedResponse, op, detail)
}
