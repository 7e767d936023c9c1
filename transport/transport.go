package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthClient/api"
	"github.com/MrEthical07/goAuthClient/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshTimeout  = 10 * time.Second
	defaultRequestIDHeader = "X-Request-ID"
	maxErrorBodyBytes      = 64 << 10
)

// SessionStore is the token storage the transport reads and updates.
// *store.Store implements it.
type SessionStore interface {
	SnapshotWithGeneration() (store.Session, bool, uint64)
	SetTokensIf(gen uint64, access, refresh string, expiresAt time.Time) (bool, error)
	ClearIf(gen uint64) (bool, error)
	ClearWithNotice(msg string) (bool, error)
}

// Refresher exchanges a refresh token for a new grant. *api.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*api.Grant, error)
}

// Config configures a Transport. Store and Refresher are required.
type Config struct {
	Base      http.RoundTripper
	Store     SessionStore
	Refresher Refresher

	// ExpirySkew is subtracted from the stored expiry when deciding whether a
	// token is already stale.
	ExpirySkew time.Duration
	// ProactiveRefresh refreshes before sending when the stored token is stale
	// instead of waiting for a 401.
	ProactiveRefresh bool
	// RefreshTimeout bounds one refresh call. The refresh does not inherit the
	// context of the request that triggered it.
	RefreshTimeout time.Duration

	DeactivationMarkers []string
	// DeactivationNotice is stored when a deactivation response carries no message.
	DeactivationNotice string

	// Hosts limits which request hosts receive the access token, matched
	// case-insensitively against URL.Host. Empty means every host.
	Hosts []string

	RequestIDHeader string
	Logger          zerolog.Logger
	Hooks           Hooks
}

// Transport is an http.RoundTripper that authorizes requests with the stored
// access token and recovers from 401 responses with one shared refresh.
//
// A Transport is safe for concurrent use.
type Transport struct {
	base      http.RoundTripper
	store     SessionStore
	refresher Refresher

	skew           time.Duration
	proactive      bool
	refreshTimeout time.Duration
	markers        []string
	notice         string
	requestID      string
	hosts          []string

	logger zerolog.Logger
	hooks  Hooks

	group singleflight.Group
}

// New validates cfg and returns a Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Store == nil {
		return nil, errors.New("transport: store required")
	}
	if cfg.Refresher == nil {
		return nil, errors.New("transport: refresher required")
	}
	if cfg.ExpirySkew < 0 {
		return nil, errors.New("transport: negative expiry skew")
	}

	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	markers := cfg.DeactivationMarkers
	if len(markers) == 0 {
		markers = api.DefaultDeactivationMarkers
	}
	notice := cfg.DeactivationNotice
	if notice == "" {
		notice = api.ErrAccountDeactivated.Error()
	}
	reqID := cfg.RequestIDHeader
	if reqID == "" {
		reqID = defaultRequestIDHeader
	}

	return &Transport{
		base:           base,
		store:          cfg.Store,
		refresher:      cfg.Refresher,
		skew:           cfg.ExpirySkew,
		proactive:      cfg.ProactiveRefresh,
		refreshTimeout: timeout,
		markers:        append([]string(nil), markers...),
		notice:         notice,
		requestID:      reqID,
		hosts:          append([]string(nil), cfg.Hosts...),
		logger:         cfg.Logger,
		hooks:          cfg.Hooks,
	}, nil
}

// Client returns an *http.Client that sends through t.
func (t *Transport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: t, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
//
// The caller's request is never modified. A request that receives 401 is
// replayed at most once, after the shared refresh; a second 401 is returned
// unchanged.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	reqID := req.Header.Get(t.requestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}

	if !t.authorizes(req) {
		resp, err := t.send(req, getBody, reqID, "")
		if err != nil {
			return nil, t.transportError(req, err)
		}
		return resp, nil
	}

	sess, ok, _ := t.store.SnapshotWithGeneration()
	token := ""
	if ok {
		token = sess.AccessToken
		if t.proactive && sess.Expired(time.Now(), t.skew) {
			fresh, err := t.refresh(ctx, token)
			switch {
			case err == nil:
				token = fresh
			case fatal(ctx, err):
				return nil, err
			default:
				t.logger.Debug().Err(err).Str("request_id", reqID).Msg("proactive refresh failed, sending with current token")
			}
		}
	}

	resp, err := t.send(req, getBody, reqID, token)
	if err != nil {
		return nil, t.transportError(req, err)
	}
	if token == "" {
		return resp, nil
	}

	if resp.StatusCode == http.StatusForbidden {
		return t.checkDeactivation(resp)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	drain(resp)
	t.logger.Debug().Str("request_id", reqID).Msg("401 received, awaiting refresh")

	fresh, err := t.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = t.send(req, getBody, reqID, fresh)
	if err != nil {
		return nil, t.transportError(req, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return t.checkDeactivation(resp)
	}
	return resp, nil
}

// authorizes reports whether req goes to a host that may see the token.
func (t *Transport) authorizes(req *http.Request) bool {
	if len(t.hosts) == 0 {
		return true
	}
	for _, h := range t.hosts {
		if strings.EqualFold(h, req.URL.Host) {
			return true
		}
	}
	return false
}

func (t *Transport) send(req *http.Request, getBody func() (io.ReadCloser, error), reqID, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		out.Body = body
		out.GetBody = getBody
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	out.Header.Set(t.requestID, reqID)

	start := time.Now()
	resp, err := t.base.RoundTrip(out)
	if t.hooks.RoundTrip != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.hooks.RoundTrip(status, time.Since(start), err)
	}
	return resp, err
}

// checkDeactivation inspects a 403 for a deactivation marker. Other 403s are
// returned to the caller with their body intact.
func (t *Transport) checkDeactivation(resp *http.Response) (*http.Response, error) {
	orig := resp.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxErrorBodyBytes))
	if err != nil {
		orig.Close()
		return nil, api.NetworkError("read response", err)
	}

	apiErr := api.NewAPIError(resp.StatusCode, body, t.markers)
	if !errors.Is(apiErr, api.ErrAccountDeactivated) {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}
		return resp, nil
	}
	orig.Close()

	t.deactivate(apiErr)
	return nil, apiErr
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (t *Transport) deactivate(apiErr *api.APIError) {
	notice := apiErr.Message
	if notice == "" {
		notice = t.notice
	}
	had, err := t.store.ClearWithNotice(notice)
	if err != nil {
		t.logger.Warn().Err(err).Msg("persist deactivation notice failed")
	}
	if !had {
		return
	}
	t.logger.Warn().Msg("account deactivated, session cleared")
	t.hooks.forcedLogout(ReasonDeactivated, apiErr)
}

func (t *Transport) transportError(req *http.Request, err error) error {
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return ctxErr
	}
	return api.NetworkError(req.Method+" "+req.URL.Path, err)
}

// fatal reports whether a refresh error ends the request instead of falling
// back to the current token.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, api.ErrSessionExpired) ||
		errors.Is(err, api.ErrAccountDeactivated) ||
		errors.Is(err, api.ErrNotAuthenticated)
}

// replayableBody returns a function yielding fresh copies of the request body
// and closes the original. Bodies without GetBody are buffered.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
}
