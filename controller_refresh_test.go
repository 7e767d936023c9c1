package goAuthClient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthClient/backendtest"
)

func TestConcurrentUnauthorizedRequestsShareOneRefresh(t *testing.T) {
	srv := newBackend(t, backendtest.Options{})
	c := newTestController(t, srv.URL(), func(b *Builder) {
		b.WithLatencyHistograms(true)
	})
	loginOK(t, c)

	srv.ExpireAccessTokens()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			status, err := getGroups(c, srv.URL())
			if err == nil && status != http.StatusOK {
				err = errors.New(http.StatusText(status))
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("expected authenticated after refresh, got %s", c.State())
	}

	snap := c.MetricsSnapshot()
	if snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("expected one refresh success, got %d", snap.Counters[MetricRefreshSuccess])
	}
	var refreshes uint64
	for _, v := range snap.Histograms[MetricRefreshLatency] {
		refreshes += v
	}
	if refreshes != 1 {
		t.Fatalf("expected one refresh latency sample, got %d", refreshes)
	}
}

func TestConcurrentRequestsFailTogetherWhenRefreshRejected(t *testing.T) {
	srv := newBackend(t, backendtest.Options{})
	var log eventLog
	c := newTestController(t, srv.URL(), func(b *Builder) {
		b.WithAuditSink(log.sink())
		b.config.Audit.DropIfFull = false
	})
	loginOK(t, c)

	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			status, err := getGroups(c, srv.URL())
			if err == nil && status == http.StatusUnauthorized {
				// Sent without a token after the session was cleared.
				err = ErrNotAuthenticated
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	expired := 0
	for err := range results {
		switch {
		case errors.Is(err, ErrSessionExpired):
			expired++
		case errors.Is(err, ErrNotAuthenticated):
		default:
			t.Fatalf("expected an auth failure, got %v", err)
		}
	}
	if expired == 0 {
		t.Fatal("expected at least one ErrSessionExpired")
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if c.State() != StateUnauthenticated || c.CurrentUser() != nil {
		t.Fatalf("expected forced logout, got %s", c.State())
	}

	c.Close()
	forced := log.of(AuditForcedLogout)
	if len(forced) != 1 || forced[0].Reason != "refresh_rejected" || forced[0].UserID != "1" {
		t.Fatalf("expected one forced logout event, got %+v", forced)
	}
}

func TestRefreshNetworkFailureKeepsSession(t *testing.T) {
	srv := newBackend(t, backendtest.Options{})
	c := newTestController(t, srv.URL())
	loginOK(t, c)

	srv.ExpireAccessTokens()
	srv.SetUnavailable(true)

	// 503 on the protected route is passed through untouched.
	status, err := getGroups(c, srv.URL())
	if err != nil || status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 passthrough, got %d %v", status, err)
	}
	if !c.IsAuthenticated() || c.CurrentUser() == nil {
		t.Fatal("an unavailable backend must not end the session")
	}

	srv.SetUnavailable(false)
	status, err = getGroups(c, srv.URL())
	if err != nil || status != http.StatusOK {
		t.Fatalf("expected recovery after the outage, got %d %v", status, err)
	}
}

func TestProactiveRefreshBeforeExpiry(t *testing.T) {
	srv := newBackend(t, backendtest.Options{AccessTTL: 10 * time.Second, EpochExpiry: true})
	c := newTestController(t, srv.URL(), func(b *Builder) {
		b.config.Session.ExpirySkew = time.Minute
	})
	loginOK(t, c)

	status, err := getGroups(c, srv.URL())
	if err != nil || status != http.StatusOK {
		t.Fatalf("request: %d %v", status, err)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Fatalf("expected a proactive refresh, got %d", got)
	}
}

func TestRotatedRefreshTokenIsStored(t *testing.T) {
	srv := newBackend(t, backendtest.Options{RotateRefresh: true})
	c := newTestController(t, srv.URL())
	loginOK(t, c)

	for i := 0; i < 3; i++ {
		srv.ExpireAccessTokens()
		status, err := getGroups(c, srv.URL())
		if err != nil || status != http.StatusOK {
			t.Fatalf("round %d: %d %v", i, status, err)
		}
	}
	if got := srv.RefreshCalls(); got != 3 {
		t.Fatalf("expected three refreshes with rotated tokens, got %d", got)
	}
}

func TestRequestBodyIsReplayedAfterRefresh(t *testing.T) {
	srv := newBackend(t, backendtest.Options{})
	c := newTestController(t, srv.URL())
	loginOK(t, c)
	srv.ExpireAccessTokens()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL()+"/api/groups", bytes.NewBufferString(`{"name":"Chemistry"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 after replay, got %d", resp.StatusCode)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("caller request must not be mutated")
	}
}

func TestDeactivationClearsSessionAndKeepsNotice(t *testing.T) {
	srv := newBackend(t, backendtest.Options{})
	path := filepath.Join(t.TempDir(), "session.json")
	c := newTestController(t, srv.URL(), func(b *Builder) {
		b.config.Persistence.FilePath = path
	})
	loginOK(t, c)

	srv.Deactivate(testEmail)
	_, err := getGroups(c, srv.URL())
	if !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
	if c.State() != StateUnauthenticated || c.CurrentUser() != nil {
		t.Fatalf("expected forced logout, got %s", c.State())
	}
	if got := c.MetricsSnapshot().Counters[MetricDeactivated]; got != 1 {
		t.Fatalf("expected one deactivation, got %d", got)
	}

	// The notice survives a restart.
	next := newTestController(t, srv.URL(), func(b *Builder) {
		b.config.Persistence.FilePath = path
	})
	out, err := next.Bootstrap(context.Background())
	if err != nil || out != BootstrapNoSession {
		t.Fatalf("expected no session after deactivation, got %s %v", out, err)
	}
	notice, err := next.TakeNotice()
	if err != nil || notice != backendtest.DeactivatedMessage {
		t.Fatalf("unexpected notice %q %v", notice, err)
	}
	if again, _ := next.TakeNotice(); again != "" {
		t.Fatalf("notice must be consumed once, got %q", again)
	}
}

func TestTokenSourceRefreshesExpiredSession(t *testing.T) {
	srv := newBackend(t, backendtest.Options{AccessTTL: 5 * time.Second})
	c := newTestController(t, srv.URL())
	loginOK(t, c)

	first, err := c.TokenSource(context.Background()).Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if srv.RefreshCalls() != 1 {
		t.Fatalf("expected the token source to refresh a token inside the skew, got %d", srv.RefreshCalls())
	}
	if first.AccessToken == "" || first.TokenType != "Bearer" {
		t.Fatalf("unexpected token %+v", first)
	}
}
