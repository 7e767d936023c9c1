// Package transport provides the authorizing HTTP round tripper.
//
// Every request carries the stored access token. A 401 triggers one refresh shared
// by all concurrent requests (golang.org/x/sync/singleflight); the requests are then
// replayed once with the new token. A rejected refresh clears the session and fires
// the forced-logout hook exactly once. Unreachable backends surface as
// api.ErrNetworkUnavailable and never end the session.
//
// # Logout wins
//
// The refresh captures the store generation before calling the backend and writes
// its result with SetTokensIf. A logout in between makes the result discarded, so a
// late refresh never repopulates a cleared store.
//
// # What this package must NOT do
//
//   - Hold the controller lock or call into the controller directly. It reports
//     through [Hooks] only.
//   - Retry a request more than once.
package transport
