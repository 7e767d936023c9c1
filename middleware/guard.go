package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	goAuthClient "github.com/MrEthical07/goAuthClient"
)

// Session is the part of *goAuthClient.Controller the guards need.
type Session interface {
	IsAuthenticated() bool
	Provisional() bool
	CurrentUser() *goAuthClient.User
	Revalidate(ctx context.Context) (goAuthClient.BootstrapOutcome, error)
	FetchCurrentUser(ctx context.Context) (*goAuthClient.User, error)
}

// Mode selects how much a guard trusts the local session.
type Mode uint8

const (
	// ModeHybrid trusts a confirmed local session and re-checks a
	// provisional one with the backend.
	ModeHybrid Mode = iota
	// ModeLocal only looks at the local session and never calls the backend.
	ModeLocal
	// ModeStrict confirms the session with the backend on every request.
	ModeStrict
)

// Guard admits requests while session is authenticated and stores the
// current user in the request context (see goAuthClient.UserFromContext).
// Rejected requests get a 401 in the backend's {status, message} shape, or
// 503 when the backend could not be asked.
func Guard(session Session, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if session == nil {
				reject(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			user, status := admit(r.Context(), session, mode)
			if user == nil {
				msg := "unauthorized"
				if status == http.StatusServiceUnavailable {
					msg = "session could not be confirmed"
				}
				reject(w, status, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(goAuthClient.WithUser(r.Context(), user)))
		})
	}
}

func admit(ctx context.Context, session Session, mode Mode) (*goAuthClient.User, int) {
	switch mode {
	case ModeStrict:
		user, err := session.FetchCurrentUser(ctx)
		if err != nil {
			return nil, statusFor(err)
		}
		return user, http.StatusOK

	case ModeHybrid:
		if !session.IsAuthenticated() && session.Provisional() {
			out, err := session.Revalidate(ctx)
			if err != nil {
				return nil, statusFor(err)
			}
			if out == goAuthClient.BootstrapProvisional {
				return nil, http.StatusServiceUnavailable
			}
		}
	}

	if !session.IsAuthenticated() {
		return nil, http.StatusUnauthorized
	}
	user := session.CurrentUser()
	if user == nil {
		return nil, http.StatusUnauthorized
	}
	return user, http.StatusOK
}

func statusFor(err error) int {
	if errors.Is(err, goAuthClient.ErrNetworkUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	var apiErr *goAuthClient.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 500 {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

func reject(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "message": message})
}
