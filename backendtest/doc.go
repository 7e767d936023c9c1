// Package backendtest runs an in-process auth backend that speaks the
// /auth/* REST contract.
//
// Passwords are bcrypt hashes, access tokens are HS256 JWTs and refresh
// tokens are opaque uuids. Helpers expire tokens, deactivate accounts, hold
// refresh requests and simulate outages so client behavior can be driven
// deterministically.
package backendtest
