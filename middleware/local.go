package middleware

import "net/http"

// RequireLocal returns a [Guard] in [ModeLocal]. It never calls the backend,
// so a provisional session is rejected.
func RequireLocal(session Session) func(http.Handler) http.Handler {
	return Guard(session, ModeLocal)
}
