// Package middleware exposes net/http route guards for server-rendered
// frontends and backend-for-frontend services built on a goAuthClient
// Controller.
//
// # Guards
//
//   - [Guard] with [ModeHybrid]: trusts a confirmed session and re-checks a
//     provisional one with Controller.Revalidate.
//   - [RequireLocal]: local state only, no backend call.
//   - [RequireStrict]: Controller.FetchCurrentUser on every request.
//
// Admitted requests carry the current user in their context; read it with
// goAuthClient.UserFromContext.
//
// # Architecture boundaries
//
// Guards translate session state into HTTP answers. Token handling, refresh
// and logout stay in the Controller.
package middleware
