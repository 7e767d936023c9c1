package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxBodyBytes = 1 << 20

// Paths lists the backend endpoints relative to the base URL.
type Paths struct {
	Login    string
	Register string
	Refresh  string
	Me       string
	Logout   string
}

// DefaultPaths returns the /auth/* contract paths.
func DefaultPaths() Paths {
	return Paths{
		Login:    "/auth/login",
		Register: "/auth/register",
		Refresh:  "/auth/refresh",
		Me:       "/auth/me",
		Logout:   "/auth/logout",
	}
}

// TokenInspector derives an expiry from an access token when the backend omits one.
type TokenInspector interface {
	ExpiresAt(token string) (time.Time, bool)
}

// Config configures a Client.
type Config struct {
	BaseURL             string
	HTTPClient          *http.Client
	Paths               Paths
	DeactivationMarkers []string
	UserAgent           string
	Inspector           TokenInspector
	MaxBodyBytes        int64
}

// Client calls the backend auth endpoints and normalizes their responses.
//
// A Client is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	paths     Paths
	markers   []string
	userAgent string
	inspector TokenInspector
	maxBody   int64
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("api: base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported base url scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	paths := cfg.Paths
	def := DefaultPaths()
	if paths.Login == "" {
		paths.Login = def.Login
	}
	if paths.Register == "" {
		paths.Register = def.Register
	}
	if paths.Refresh == "" {
		paths.Refresh = def.Refresh
	}
	if paths.Me == "" {
		paths.Me = def.Me
	}
	if paths.Logout == "" {
		paths.Logout = def.Logout
	}
	markers := cfg.DeactivationMarkers
	if len(markers) == 0 {
		markers = DefaultDeactivationMarkers
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	return &Client{
		base:      base,
		http:      hc,
		paths:     paths,
		markers:   append([]string(nil), markers...),
		userAgent: cfg.UserAgent,
		inspector: cfg.Inspector,
		maxBody:   maxBody,
	}, nil
}

// WithHTTPClient returns a copy of c that sends through hc. The controller uses
// it to route /auth/me through the authorizing transport.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	out := *c
	out.http = hc
	return &out
}

// Login exchanges credentials for a token pair and the user record.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Grant, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	data, err := c.do(ctx, "login", http.MethodPost, c.paths.Login, creds)
	if err != nil {
		return nil, classify(err, ErrInvalidCredentials, http.StatusBadRequest, http.StatusUnauthorized)
	}
	return c.decodeGrant("login", data, true)
}

// Register creates an account. The returned grant may carry no tokens when the
// backend needs a follow-up onboarding step; callers check Grant.HasTokens.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Grant, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	data, err := c.do(ctx, "register", http.MethodPost, c.paths.Register, req)
	if err != nil {
		return nil, classify(err, ErrInvalidInput, http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity)
	}
	return c.decodeGrant("register", data, false)
}

// Refresh exchanges a refresh token for a new access token. A rejected refresh
// token classifies as ErrSessionExpired.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, ErrSessionExpired
	}

	body := map[string]string{"refreshToken": refreshToken}
	data, err := c.do(ctx, "refresh", http.MethodPost, c.paths.Refresh, body)
	if err != nil {
		return nil, classify(err, ErrSessionExpired, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)
	}

	var wire grantWire
	if err := decodeEnvelope(data, &wire); err != nil {
		return nil, malformed("refresh", err.Error())
	}
	if wire.Token == "" {
		return nil, malformed("refresh", "missing token")
	}
	g := &Grant{
		AccessToken:  wire.Token,
		RefreshToken: wire.RefreshToken,
		ExpiresAt:    wire.ExpiresAt.Time,
	}
	c.fillExpiry(g)
	return g, nil
}

// Me fetches the current user. It must be called through an authorizing client.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.do(ctx, "me", http.MethodGet, c.paths.Me, nil)
	if err != nil {
		return nil, classify(err, ErrSessionExpired, http.StatusUnauthorized)
	}

	var wire userWire
	if err := decodeEnvelope(data, &wire); err != nil {
		return nil, malformed("me", err.Error())
	}
	if wire.User == nil {
		return nil, malformed("me", "missing user")
	}
	if err := wire.User.check(); err != nil {
		return nil, malformed("me", err.Error())
	}
	return wire.User, nil
}

// Logout notifies the backend that refreshToken is no longer in use.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refreshToken": refreshToken}
	_, err := c.do(ctx, "logout", http.MethodPost, c.paths.Logout, body)
	return err
}

func (c *Client) decodeGrant(op string, data []byte, requireTokens bool) (*Grant, error) {
	var wire grantWire
	if err := decodeEnvelope(data, &wire); err != nil {
		return nil, malformed(op, err.Error())
	}

	hasAccess := wire.Token != ""
	hasRefresh := wire.RefreshToken != ""
	if hasAccess != hasRefresh {
		return nil, malformed(op, "partial token pair")
	}
	if requireTokens && !hasAccess {
		return nil, malformed(op, "missing token pair")
	}
	if wire.User != nil {
		if err := wire.User.check(); err != nil {
			return nil, malformed(op, err.Error())
		}
	}

	g := &Grant{
		AccessToken:  wire.Token,
		RefreshToken: wire.RefreshToken,
		ExpiresAt:    wire.ExpiresAt.Time,
		User:         wire.User,
	}
	c.fillExpiry(g)
	return g, nil
}

func (c *Client) fillExpiry(g *Grant) {
	if !g.ExpiresAt.IsZero() || g.AccessToken == "" || c.inspector == nil {
		return
	}
	if exp, ok := c.inspector.ExpiresAt(g.AccessToken); ok {
		g.ExpiresAt = exp
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		if classified(err) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, NetworkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, NetworkError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) apiError(status int, body []byte) *APIError {
	return NewAPIError(status, body, c.markers)
}

// NewAPIError builds an APIError from a non-2xx response body in the
// {status, message} shape. Unparseable bodies keep only the HTTP status.
func NewAPIError(status int, body []byte, markers []string) *APIError {
	var wire struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &wire)

	msg := wire.Message
	if msg == "" {
		msg = wire.Error
	}
	apiErr := &APIError{Status: status, Message: msg}
	if IsDeactivation(status, msg, markers) {
		apiErr.Kind = ErrAccountDeactivated
	}
	return apiErr
}

// classify assigns kind to an unclassified APIError whose status is in statuses.
func classify(err error, kind error, statuses ...int) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != nil {
		return err
	}
	for _, s := range statuses {
		if apiErr.Status == s {
			apiErr.Kind = kind
			break
		}
	}
	return err
}

// classified reports whether a transport error already carries a sentinel.
func classified(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrAccountDeactivated) ||
		errors.Is(err, ErrNotAuthenticated)
}
