package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goAuthClient/api"
)

// Reason names why the transport ended a session on its own.
type Reason string

const (
	// ReasonRefreshRejected means the backend refused the refresh token.
	ReasonRefreshRejected Reason = "refresh_rejected"
	// ReasonNoRefreshToken means a 401 arrived and there was no refresh token to use.
	ReasonNoRefreshToken Reason = "no_refresh_token"
	// ReasonDeactivated means the backend reported the account as deactivated.
	ReasonDeactivated Reason = "deactivated"
)

// Hooks observe the transport. All fields are optional and must not block.
//
// For one refresh, ForcedLogout or RefreshDiscarded (if any) fire before
// RefreshFinished.
type Hooks struct {
	RefreshStarted   func()
	RefreshFinished  func(err error, d time.Duration)
	RefreshDiscarded func()
	ForcedLogout     func(reason Reason, err error)
	RoundTrip        func(status int, d time.Duration, err error)
}

func (h Hooks) forcedLogout(reason Reason, err error) {
	if h.ForcedLogout != nil {
		h.ForcedLogout(reason, err)
	}
}

func (h Hooks) discarded() {
	if h.RefreshDiscarded != nil {
		h.RefreshDiscarded()
	}
}

const refreshKey = "refresh"

// Refresh forces a refresh of the current session and returns the new access
// token. Concurrent callers share one backend call.
func (t *Transport) Refresh(ctx context.Context) (string, error) {
	sess, ok, _ := t.store.SnapshotWithGeneration()
	if !ok {
		return "", api.ErrNotAuthenticated
	}
	return t.refresh(ctx, sess.AccessToken)
}

// refresh returns an access token newer than stale. If a finished refresh has
// already rotated the token, the current one is returned without a backend call.
// Otherwise the caller joins the shared refresh; ctx only bounds the wait.
//
// The rotation check is repeated inside the flight: a caller can read the old
// token, lose the CPU while the previous flight completes, and then start a
// new flight of its own.
func (t *Transport) refresh(ctx context.Context, stale string) (string, error) {
	sess, ok, _ := t.store.SnapshotWithGeneration()
	if !ok {
		return "", api.ErrNotAuthenticated
	}
	if sess.AccessToken != stale {
		return sess.AccessToken, nil
	}

	ch := t.group.DoChan(refreshKey, func() (interface{}, error) {
		return t.doRefresh(stale)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (t *Transport) doRefresh(stale string) (token string, err error) {
	sess, ok, gen := t.store.SnapshotWithGeneration()
	if !ok {
		return "", api.ErrNotAuthenticated
	}
	if sess.AccessToken != stale {
		return sess.AccessToken, nil
	}

	if t.hooks.RefreshStarted != nil {
		t.hooks.RefreshStarted()
	}
	start := time.Now()
	defer func() {
		if t.hooks.RefreshFinished != nil {
			t.hooks.RefreshFinished(err, time.Since(start))
		}
	}()

	if sess.RefreshToken == "" {
		return "", t.endSession(gen, ReasonNoRefreshToken, api.ErrSessionExpired)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.refreshTimeout)
	defer cancel()

	t.logger.Debug().Msg("refreshing access token")
	grant, err := t.refresher.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		var apiErr *api.APIError
		switch {
		case errors.Is(err, api.ErrAccountDeactivated) && errors.As(err, &apiErr):
			t.deactivate(apiErr)
			return "", err
		case errors.Is(err, api.ErrSessionExpired):
			return "", t.endSession(gen, ReasonRefreshRejected, err)
		default:
			// Unreachable backend or server error: the session stays.
			t.logger.Warn().Err(err).Msg("refresh failed, session kept")
			return "", err
		}
	}

	refreshToken := grant.RefreshToken
	if refreshToken == "" {
		refreshToken = sess.RefreshToken
	}
	applied, perr := t.store.SetTokensIf(gen, grant.AccessToken, refreshToken, grant.ExpiresAt)
	if perr != nil {
		t.logger.Warn().Err(perr).Msg("persist refreshed session failed")
	}
	if !applied {
		t.logger.Debug().Msg("session changed during refresh, result discarded")
		t.hooks.discarded()
		return "", fmt.Errorf("%w: session changed during refresh", api.ErrNotAuthenticated)
	}

	t.logger.Debug().Dur("took", time.Since(start)).Msg("access token refreshed")
	return grant.AccessToken, nil
}

// endSession clears the session captured at gen and reports a forced logout.
// If the session changed meanwhile (for example a logout), nothing is cleared
// and the refresh counts as discarded.
func (t *Transport) endSession(gen uint64, reason Reason, cause error) error {
	cleared, err := t.store.ClearIf(gen)
	if err != nil {
		t.logger.Warn().Err(err).Msg("persist session clear failed")
	}
	if !cleared {
		t.hooks.discarded()
		return fmt.Errorf("%w: session changed during refresh", api.ErrNotAuthenticated)
	}

	t.logger.Warn().Str("reason", string(reason)).Msg("session expired, forcing logout")
	if !errors.Is(cause, api.ErrSessionExpired) {
		cause = fmt.Errorf("%w: %w", api.ErrSessionExpired, cause)
	}
	t.hooks.forcedLogout(reason, cause)
	return cause
}
