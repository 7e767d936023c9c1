package goAuthClient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrEthical07/goAuthClient/api"
	"github.com/MrEthical07/goAuthClient/internal/audit"
	"github.com/MrEthical07/goAuthClient/store"
	"github.com/MrEthical07/goAuthClient/transport"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Re-exported request and response types of the auth endpoints.
type (
	User            = api.User
	Credentials     = api.Credentials
	RegisterRequest = api.RegisterRequest
)

// RegisterResult is the outcome of a successful Register call.
type RegisterResult struct {
	// User is the created account, when the backend returned it.
	User *User
	// Pending is true when the backend accepted the registration without
	// issuing tokens (for example pending email confirmation). The controller
	// stays unauthenticated.
	Pending bool
}

// Reasons reported with forced logouts in addition to the transport reasons.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonStale        = "stale"
	ReasonExternal     = "external_logout"
)

// Controller owns the client-side session lifecycle: login, logout,
// registration, bootstrap of a persisted session and the authorizing HTTP
// client used for every backend call.
//
// All methods are safe for concurrent use. Network calls never run while the
// controller lock is held.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	store     *store.Store
	api       *api.Client
	authAPI   *api.Client
	transport *transport.Transport
	http      *http.Client
	metrics   *Metrics
	audit     *audit.Dispatcher

	file       *store.FilePersister
	stopWatch  context.CancelFunc
	watchDone  chan struct{}
	background sync.WaitGroup
	logoutMu   sync.Mutex
	closeOnce  sync.Once

	revalidation singleflight.Group

	mu           sync.Mutex
	state        State
	user         *User
	epoch        uint64
	provisional  bool
	bootstrapped bool
	closed       bool
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Provisional reports whether a persisted session is kept although the
// backend could not confirm it. See Bootstrap and Revalidate.
func (c *Controller) Provisional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provisional
}

// IsAuthenticated reports whether the controller holds a confirmed session.
func (c *Controller) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.state == StateAuthenticated || c.state == StateExpiring) && c.store.HasSession()
}

// CurrentUser returns a copy of the cached user, or nil when there is no
// session.
func (c *Controller) CurrentUser() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil || !c.store.HasSession() {
		return nil
	}
	return c.user.Clone()
}

// HTTPClient returns the authorizing client. Every request carries the
// current access token and recovers from 401 with the shared refresh.
func (c *Controller) HTTPClient() *http.Client {
	return c.http
}

// TokenSource exposes the session as an oauth2.TokenSource.
func (c *Controller) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.transport.TokenSource(ctx)
}

// TakeNotice returns and clears the persisted user-visible notice, such as
// the deactivation message of the last forced logout.
func (c *Controller) TakeNotice() (string, error) {
	return c.store.TakeNotice()
}

// MetricsSnapshot returns the current counters and histograms together with
// the lifecycle state.
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	s := c.metrics.Snapshot()
	c.mu.Lock()
	s.State, s.Provisional = c.state, c.provisional
	c.mu.Unlock()
	return s
}

// AuditDropped returns how many lifecycle events were dropped.
func (c *Controller) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// Login exchanges credentials for a session. It is only allowed while
// unauthenticated. On failure the controller returns to unauthenticated and
// the error matches one of ErrInvalidInput, ErrInvalidCredentials,
// ErrAccountDeactivated, ErrNetworkUnavailable or ErrMalformedResponse.
//
// A Logout that runs while Login waits for the backend wins: the result is
// discarded and Login fails with ErrNotAuthenticated.
func (c *Controller) Login(ctx context.Context, creds Credentials) (*User, error) {
	epoch, err := c.begin()
	if err != nil {
		return nil, err
	}

	grant, err := c.api.Login(ctx, creds)
	if err != nil {
		c.fail(epoch, err)
		c.metrics.Inc(MetricLoginFailure)
		c.emitAudit(AuditEvent{EventType: AuditLoginFailure, Error: errorCode(err)})
		return nil, err
	}

	user, err := c.apply(epoch, grant)
	if err != nil {
		c.metrics.Inc(MetricLoginFailure)
		c.emitAudit(AuditEvent{EventType: AuditLoginFailure, Error: errorCode(err)})
		return nil, err
	}

	c.metrics.Inc(MetricLoginSuccess)
	c.logger.Debug().Int64("user_id", user.ID).Msg("logged in")
	c.emitAudit(AuditEvent{EventType: AuditLoginSuccess, UserID: userIDString(user.ID), Success: true})
	return user, nil
}

// Register creates an account. When the backend answers with tokens the
// controller becomes authenticated exactly like Login. When it answers
// without tokens the result is Pending and the controller stays
// unauthenticated.
func (c *Controller) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	epoch, err := c.begin()
	if err != nil {
		return nil, err
	}

	grant, err := c.api.Register(ctx, req)
	if err != nil {
		c.fail(epoch, err)
		c.metrics.Inc(MetricRegisterFailure)
		c.emitAudit(AuditEvent{EventType: AuditRegisterFailure, Error: errorCode(err)})
		return nil, err
	}

	if !grant.HasTokens() {
		c.fail(epoch, nil)
		c.metrics.Inc(MetricRegisterPending)
		ev := AuditEvent{EventType: AuditRegisterPending, Success: true}
		if grant.User != nil {
			ev.UserID = userIDString(grant.User.ID)
		}
		c.emitAudit(ev)
		return &RegisterResult{User: grant.User.Clone(), Pending: true}, nil
	}

	user, err := c.apply(epoch, grant)
	if err != nil {
		c.metrics.Inc(MetricRegisterFailure)
		c.emitAudit(AuditEvent{EventType: AuditRegisterFailure, Error: errorCode(err)})
		return nil, err
	}

	c.metrics.Inc(MetricRegisterSuccess)
	c.emitAudit(AuditEvent{EventType: AuditRegisterSuccess, UserID: userIDString(user.ID), Success: true})
	return &RegisterResult{User: user}, nil
}

// begin moves unauthenticated -> authenticating and returns the epoch the
// attempt belongs to.
func (c *Controller) begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrControllerClosed
	}
	if err := c.transitionLocked(StateAuthenticating); err != nil {
		return 0, err
	}
	return c.epoch, nil
}

// fail ends an attempt started by begin without a session.
func (c *Controller) fail(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch && c.state == StateAuthenticating {
		c.setStateLocked(StateUnauthenticated)
	}
	if err != nil {
		c.logger.Debug().Str("error", errorCode(err)).Msg("authentication failed")
	}
}

const maxApplyAttempts = 4

// apply stores grant unless a logout happened since epoch. The store write
// retries when only a concurrent refresh or forced logout of an older
// session changed the store generation.
func (c *Controller) apply(epoch uint64, grant *api.Grant) (*User, error) {
	applied := false
	for attempt := 0; attempt < maxApplyAttempts && !applied; attempt++ {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: logged out during authentication", ErrNotAuthenticated)
		}
		gen := c.store.Generation()
		c.mu.Unlock()

		var err error
		applied, err = c.store.SetTokensIf(gen, grant.AccessToken, grant.RefreshToken, grant.ExpiresAt)
		if err != nil {
			c.persistFailed(err)
		}
	}
	if !applied {
		c.fail(epoch, nil)
		return nil, fmt.Errorf("%w: session changed during authentication", ErrNotAuthenticated)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		// The logout that bumped the epoch clears the store after us.
		return nil, fmt.Errorf("%w: logged out during authentication", ErrNotAuthenticated)
	}
	c.epoch++
	c.user = grant.User.Clone()
	c.provisional = false
	c.setStateLocked(StateAuthenticated)
	return c.user.Clone(), nil
}

// Logout ends the session. The store and the cached user are cleared before
// Logout returns; the backend is notified in the background with a bounded
// timeout and its answer is ignored. Logout is idempotent and also wins
// against a concurrent Login or refresh.
//
// A non-nil error only reports that the cleared state could not be
// persisted (ErrPersistenceUnavailable); the in-memory session is gone.
func (c *Controller) Logout(ctx context.Context) error {
	c.logoutMu.Lock()
	defer c.logoutMu.Unlock()

	c.mu.Lock()
	had := c.store.HasSession()
	refreshToken, _ := c.store.RefreshToken()
	userID := ""
	if c.user != nil {
		userID = userIDString(c.user.ID)
	}
	c.setStateLocked(StateTerminating)
	c.epoch++
	c.user = nil
	c.provisional = false
	closed := c.closed
	c.mu.Unlock()

	err := c.store.Clear()
	if err != nil {
		c.persistFailed(err)
	}

	c.mu.Lock()
	c.setStateLocked(StateUnauthenticated)
	c.mu.Unlock()

	if !had {
		return err
	}

	c.metrics.Inc(MetricLogout)
	c.logger.Debug().Msg("logged out")
	c.emitAudit(AuditEvent{EventType: AuditLogout, UserID: userID, Success: true})

	if refreshToken != "" && c.cfg.Logout.NotifyBackend && !closed {
		c.notifyLogout(ctx, refreshToken)
	}
	return err
}

func (c *Controller) notifyLogout(ctx context.Context, refreshToken string) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Logout.NotifyTimeout)
		defer cancel()
		if err := c.api.Logout(nctx, refreshToken); err != nil {
			c.logger.Debug().Str("error", errorCode(err)).Msg("backend logout notification failed")
		}
	}()
}

// FetchCurrentUser reloads the user from the backend through the authorizing
// client and updates the cache. A 401 that survives the refresh ends the
// session with ErrSessionExpired.
func (c *Controller) FetchCurrentUser(ctx context.Context) (*User, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrControllerClosed
	}
	epoch := c.epoch
	c.mu.Unlock()

	if !c.store.HasSession() {
		return nil, ErrNotAuthenticated
	}

	user, err := c.authAPI.Me(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			c.endSession(epoch, ReasonUnauthorized, err)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || !c.store.HasSession() {
		return nil, ErrNotAuthenticated
	}
	c.user = user.Clone()
	if c.state == StateUnauthenticated {
		c.provisional = false
		c.setStateLocked(StateAuthenticated)
	}
	return user, nil
}

// endSession clears the session the controller saw at epoch and reports a
// forced logout. It does nothing if the session changed meanwhile or is
// already gone.
func (c *Controller) endSession(epoch uint64, reason string, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || !c.store.HasSession() {
		c.mu.Unlock()
		return
	}
	c.epoch++
	userID := ""
	if c.user != nil {
		userID = userIDString(c.user.ID)
	}
	c.user = nil
	c.provisional = false
	if c.state != StateTerminating {
		c.setStateLocked(StateUnauthenticated)
	}
	c.mu.Unlock()

	if err := c.store.Clear(); err != nil {
		c.persistFailed(err)
	}
	c.recordForcedLogout(reason, userID, cause)
}

func (c *Controller) recordForcedLogout(reason, userID string, cause error) {
	c.metrics.IncForcedLogout(reason)
	c.logger.Warn().Str("reason", reason).Msg("session ended")
	c.emitAudit(AuditEvent{
		EventType: AuditForcedLogout,
		UserID:    userID,
		Reason:    reason,
		Error:     errorCode(cause),
	})
}

func (c *Controller) persistFailed(err error) {
	c.metrics.Inc(MetricPersistenceFailure)
	c.logger.Warn().Err(err).Msg("session persistence failed")
}

// Close stops the file watcher, waits for background logout notifications
// and flushes pending events. Logout still works after Close; every other
// operation fails with ErrControllerClosed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.stopWatch != nil {
			c.stopWatch()
			<-c.watchDone
		}
		c.background.Wait()
		c.audit.Close()
	})
}

/*
====================================
STATE
====================================
*/

func (c *Controller) transitionLocked(to State) error {
	if !CanTransition(c.state, to) {
		return &transitionError{from: c.state, to: to}
	}
	c.setStateLocked(to)
	return nil
}

// setStateLocked forces the state. Callers only use it for transitions the
// table allows or for the unconditional logout path.
func (c *Controller) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("session state changed")
	c.audit.TryEmit(AuditEvent{
		EventType: AuditStateChange,
		From:      from.String(),
		To:        to.String(),
		Success:   true,
	})
}

/*
====================================
TRANSPORT HOOKS
====================================
*/

func (c *Controller) transportHooks() transport.Hooks {
	return transport.Hooks{
		RefreshStarted:   c.onRefreshStarted,
		RefreshFinished:  c.onRefreshFinished,
		RefreshDiscarded: c.onRefreshDiscarded,
		ForcedLogout:     c.onForcedLogout,
		RoundTrip:        c.onRoundTrip,
	}
}

func (c *Controller) onRefreshStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticated {
		c.setStateLocked(StateExpiring)
	}
}

func (c *Controller) onRefreshFinished(err error, d time.Duration) {
	c.metrics.Observe(MetricRefreshLatency, d)
	if err == nil {
		c.metrics.Inc(MetricRefreshSuccess)
	} else {
		c.metrics.Inc(MetricRefreshFailure)
	}

	c.mu.Lock()
	if c.state == StateExpiring {
		if c.store.HasSession() {
			c.setStateLocked(StateAuthenticated)
		} else {
			c.setStateLocked(StateUnauthenticated)
		}
	}
	c.mu.Unlock()

	ev := AuditEvent{EventType: AuditRefreshSuccess, Success: true}
	if err != nil {
		ev = AuditEvent{EventType: AuditRefreshFailure, Error: errorCode(err)}
	}
	c.emitAudit(ev)
}

func (c *Controller) onRefreshDiscarded() {
	c.metrics.Inc(MetricRefreshDiscarded)
	c.emitAudit(AuditEvent{EventType: AuditRefreshDiscarded, Success: true})
}

// onForcedLogout runs after the transport cleared the store.
func (c *Controller) onForcedLogout(reason transport.Reason, cause error) {
	if reason == transport.ReasonDeactivated {
		c.metrics.Inc(MetricDeactivated)
	}

	c.mu.Lock()
	userID := ""
	if c.user != nil {
		userID = userIDString(c.user.ID)
	}
	// A login in progress replaces the old session; leave it alone.
	if c.state != StateAuthenticating {
		c.epoch++
		c.user = nil
		c.provisional = false
		if c.state != StateTerminating && c.state != StateUnauthenticated {
			c.setStateLocked(StateUnauthenticated)
		}
	}
	c.mu.Unlock()

	c.recordForcedLogout(string(reason), userID, cause)
}

func (c *Controller) onRoundTrip(_ int, d time.Duration, err error) {
	c.metrics.Observe(MetricRequestLatency, d)
	if err != nil {
		c.metrics.Inc(MetricNetworkUnavailable)
	}
}

// onExternalLogout handles removal of the session file by another process.
func (c *Controller) onExternalLogout() {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	if !c.store.HasSession() {
		return
	}
	c.logger.Info().Msg("session file removed externally")
	c.endSession(epoch, ReasonExternal, nil)
}
