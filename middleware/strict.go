package middleware

import "net/http"

// RequireStrict returns a [Guard] in [ModeStrict]. Every request waits on a
// backend confirmation of the session.
func RequireStrict(session Session) func(http.Handler) http.Handler {
	return Guard(session, ModeStrict)
}
