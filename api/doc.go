// Package api implements the backend REST contract for authentication: login,
// register, refresh, current user and logout.
//
// # Response normalization
//
// Responses may be wrapped once in a {"data": ...} envelope; the client unwraps that
// single level and fails fast with [ErrMalformedResponse] when a required field is
// missing. Non-2xx answers become [*APIError], which unwraps to the sentinel it
// classifies as.
//
// # Architecture boundaries
//
// This package is stateless. It does NOT store tokens, retry requests, or refresh
// sessions. Those responsibilities belong to the store and transport packages.
//
// # What this package must NOT do
//
//   - Import goAuthClient, store, or transport (no upward imports).
//   - Log or otherwise expose token values.
package api
