package goAuthClient

import (
	"errors"

	"github.com/MrEthical07/goAuthClient/api"
	"github.com/MrEthical07/goAuthClient/store"
)

var (
	// ErrInvalidCredentials is returned by Login when the backend rejects the credentials.
	ErrInvalidCredentials = api.ErrInvalidCredentials
	// ErrAccountDeactivated is returned when the backend reports the account as deactivated.
	ErrAccountDeactivated = api.ErrAccountDeactivated
	// ErrSessionExpired is returned when the session could not be recovered by a refresh.
	ErrSessionExpired = api.ErrSessionExpired
	// ErrNetworkUnavailable marks transport failures. It never ends a session.
	ErrNetworkUnavailable = api.ErrNetworkUnavailable
	// ErrMalformedResponse is returned when the backend answer misses required fields.
	ErrMalformedResponse = api.ErrMalformedResponse
	// ErrNotAuthenticated is returned when an operation needs a session and none exists.
	ErrNotAuthenticated = api.ErrNotAuthenticated
	// ErrInvalidInput is returned when credentials or registration data fail local validation.
	ErrInvalidInput = api.ErrInvalidInput
	// ErrPersistenceUnavailable is returned when the session could not be written to or
	// read from its persister. The in-memory session is still authoritative.
	ErrPersistenceUnavailable = store.ErrPersistenceUnavailable

	// ErrInvalidTransition is returned when an operation is not allowed in the current state,
	// for example Login while already authenticated.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrAlreadyBootstrapped is returned by a second Bootstrap call.
	ErrAlreadyBootstrapped = errors.New("controller already bootstrapped")
	// ErrControllerClosed is returned after Close.
	ErrControllerClosed = errors.New("controller closed")
)

// APIError is a non-2xx backend answer. It unwraps to its sentinel kind.
type APIError = api.APIError
