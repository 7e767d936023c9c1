package goAuthClient

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrEthical07/goAuthClient/store"
)

// BootstrapOutcome describes what a passive session check concluded.
type BootstrapOutcome uint8

const (
	// BootstrapNoSession means nothing was persisted.
	BootstrapNoSession BootstrapOutcome = iota
	// BootstrapAuthenticated means the backend confirmed the stored session.
	BootstrapAuthenticated
	// BootstrapCleared means the backend rejected the stored session, or it
	// stayed unconfirmed for too many checks, and it was removed.
	BootstrapCleared
	// BootstrapProvisional means the backend could not be reached; the stored
	// session is kept unconfirmed.
	BootstrapProvisional
)

func (o BootstrapOutcome) String() string {
	switch o {
	case BootstrapNoSession:
		return "no_session"
	case BootstrapAuthenticated:
		return "authenticated"
	case BootstrapCleared:
		return "cleared"
	case BootstrapProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// Bootstrap loads the persisted session and, if there is one, confirms it
// with the backend through the authorizing client (so an expired access
// token is refreshed first). It runs once per controller.
//
// A rejected session is cleared. An unreachable backend or a 5xx leaves the
// stored tokens untouched and the controller unauthenticated but
// Provisional; that error is not returned. After Bootstrap.MaxStaleChecks
// consecutive unconfirmed checks the session is cleared.
func (c *Controller) Bootstrap(ctx context.Context) (BootstrapOutcome, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return BootstrapNoSession, ErrControllerClosed
	case c.bootstrapped:
		c.mu.Unlock()
		return BootstrapNoSession, ErrAlreadyBootstrapped
	}
	if err := c.transitionLocked(StateAuthenticating); err != nil {
		c.mu.Unlock()
		return BootstrapNoSession, err
	}
	c.bootstrapped = true
	epoch := c.epoch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Bootstrap.Timeout)
	defer cancel()

	if err := c.store.Init(ctx); err != nil {
		c.persistFailed(err)
		if errors.Is(err, store.ErrCorruptRecord) {
			c.logger.Warn().Msg("persisted session was corrupt and has been discarded")
		}
	}

	if !c.store.HasSession() {
		c.fail(epoch, nil)
		c.recordBootstrap(BootstrapNoSession, nil)
		return BootstrapNoSession, nil
	}

	return c.check(ctx, epoch)
}

// Revalidate repeats the passive check for a provisional session, for
// example on the next user action or when connectivity returns. It is a
// no-op returning the current classification otherwise.
//
// Concurrent calls share one check; ctx only bounds the wait. While a login
// is replacing the provisional session the answer is BootstrapProvisional.
func (c *Controller) Revalidate(ctx context.Context) (BootstrapOutcome, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return BootstrapNoSession, ErrControllerClosed
	}

	ch := c.revalidation.DoChan(revalidateKey, func() (interface{}, error) {
		return c.revalidate()
	})
	select {
	case <-ctx.Done():
		return BootstrapProvisional, ctx.Err()
	case res := <-ch:
		return res.Val.(BootstrapOutcome), res.Err
	}
}

const revalidateKey = "revalidate"

func (c *Controller) revalidate() (BootstrapOutcome, error) {
	c.mu.Lock()
	if !c.provisional {
		out := BootstrapNoSession
		if c.state == StateAuthenticated || c.state == StateExpiring {
			out = BootstrapAuthenticated
		}
		c.mu.Unlock()
		return out, nil
	}
	if c.state == StateAuthenticating {
		c.mu.Unlock()
		return BootstrapProvisional, nil
	}
	if err := c.transitionLocked(StateAuthenticating); err != nil {
		c.mu.Unlock()
		return BootstrapProvisional, err
	}
	epoch := c.epoch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Bootstrap.Timeout)
	defer cancel()
	return c.check(ctx, epoch)
}

// check asks the backend who the stored session belongs to and applies the
// answer. The caller has moved the controller to authenticating.
func (c *Controller) check(ctx context.Context, epoch uint64) (BootstrapOutcome, error) {
	user, err := c.authAPI.Me(ctx)

	switch {
	case err == nil:
		if rerr := c.store.ResetStale(); rerr != nil {
			c.persistFailed(rerr)
		}
		c.mu.Lock()
		if c.epoch != epoch || !c.store.HasSession() {
			// Logged out, or the transport ended the session, while we waited.
			if c.state == StateAuthenticating {
				c.setStateLocked(StateUnauthenticated)
			}
			c.mu.Unlock()
			c.recordBootstrap(BootstrapCleared, nil)
			return BootstrapCleared, nil
		}
		c.epoch++
		c.user = user.Clone()
		c.provisional = false
		c.setStateLocked(StateAuthenticated)
		c.mu.Unlock()

		c.recordBootstrap(BootstrapAuthenticated, nil)
		c.emitAudit(AuditEvent{
			EventType: AuditLoginSuccess,
			UserID:    userIDString(user.ID),
			Success:   true,
			Metadata:  map[string]string{"source": "bootstrap"},
		})
		return BootstrapAuthenticated, nil

	case rejected(err):
		// The transport may have cleared the store already; endSession is a
		// no-op then.
		c.endSession(epoch, ReasonUnauthorized, err)
		c.settle()
		c.recordBootstrap(BootstrapCleared, err)
		return BootstrapCleared, nil

	default:
		return c.unconfirmed(ctx, epoch, err)
	}
}

// unconfirmed keeps the session after a check that could not reach a
// verdict, unless it has now been unconfirmed too often.
func (c *Controller) unconfirmed(ctx context.Context, epoch uint64, cause error) (BootstrapOutcome, error) {
	checks, err := c.store.MarkStale()
	if err != nil {
		c.persistFailed(err)
	}

	if limit := c.cfg.Bootstrap.MaxStaleChecks; limit > 0 && int(checks) >= limit {
		c.logger.Warn().Uint8("checks", checks).Msg("session could not be confirmed, expiring it")
		c.endSession(epoch, ReasonStale, cause)
		c.settle()
		c.recordBootstrap(BootstrapCleared, cause)
		return BootstrapCleared, nil
	}

	c.mu.Lock()
	if c.epoch == epoch && c.state == StateAuthenticating {
		c.provisional = c.store.HasSession()
		c.setStateLocked(StateUnauthenticated)
	}
	c.mu.Unlock()

	c.logger.Warn().Str("error", errorCode(cause)).Uint8("checks", checks).Msg("session kept unconfirmed")
	c.recordBootstrap(BootstrapProvisional, cause)

	// Caller cancellation is reported; timeouts count as network trouble.
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		return BootstrapProvisional, context.Canceled
	}
	return BootstrapProvisional, nil
}

// settle leaves authenticating after the check ended the session.
func (c *Controller) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticating {
		c.setStateLocked(StateUnauthenticated)
	}
}

// rejected reports whether err means the backend refused the session, as
// opposed to not answering. Any 4xx answer is a verdict except 408 and 429,
// which only say "try later".
func rejected(err error) bool {
	if errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrAccountDeactivated) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}

func (c *Controller) recordBootstrap(out BootstrapOutcome, cause error) {
	switch out {
	case BootstrapAuthenticated:
		c.metrics.Inc(MetricBootstrapAuthenticated)
	case BootstrapCleared:
		c.metrics.Inc(MetricBootstrapCleared)
	case BootstrapProvisional:
		c.metrics.Inc(MetricBootstrapProvisional)
	}
	c.emitAudit(AuditEvent{
		EventType: AuditBootstrap,
		Reason:    out.String(),
		Success:   out != BootstrapProvisional,
		Error:     errorCode(cause),
	})
}
