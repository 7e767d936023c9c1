package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/backendtest"
)

type fakeSource struct {
	snapshot goAuthClient.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() goAuthClient.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                          { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthClient.MetricsSnapshot{
			Counters:   map[goAuthClient.MetricID]uint64{},
			Histograms: map[goAuthClient.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
	var nilExp *PrometheusExporter
	if got := nilExp.Render(); got != "" {
		t.Fatalf("expected empty output for nil exporter, got:\n%s", got)
	}
}

func TestRenderDeterministicIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthClient.MetricsSnapshot{
			Counters: map[goAuthClient.MetricID]uint64{
				goAuthClient.MetricLoginSuccess:     7,
				goAuthClient.MetricRefreshDiscarded: 1,
			},
			Histograms: map[goAuthClient.MetricID][]uint64{
				goAuthClient.MetricRefreshLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"goauthclient_login_success_total 7",
		"goauthclient_refresh_discarded_total 1",
		`goauthclient_forced_logout_total{reason="other"} 0`,
		`goauthclient_refresh_latency_seconds_bucket{le="0.005"} 1`,
		`goauthclient_refresh_latency_seconds_bucket{le="+Inf"} 36`,
		"goauthclient_refresh_latency_seconds_count 36",
		"goauthclient_request_latency_seconds_count 0",
		"goauthclient_audit_dropped_total 2",
		"# TYPE goauthclient_request_latency_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
	if out != exp.Render() {
		t.Fatal("expected deterministic output")
	}
}

func TestRenderSessionStateAndForcedLogoutReasons(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthClient.MetricsSnapshot{
			Counters: map[goAuthClient.MetricID]uint64{goAuthClient.MetricForcedLogout: 3},
			ForcedLogouts: map[string]uint64{
				goAuthClient.ReasonStale: 1,
				"refresh_rejected":       2,
			},
			State:       goAuthClient.StateUnauthenticated,
			Provisional: true,
		},
	})

	out := exp.Render()
	for _, want := range []string{
		"# TYPE goauthclient_session_state gauge",
		`goauthclient_session_state{state="unauthenticated"} 1`,
		`goauthclient_session_state{state="authenticated"} 0`,
		`goauthclient_session_state{state="terminating"} 0`,
		"goauthclient_session_provisional 1",
		"# TYPE goauthclient_forced_logout_total counter",
		`goauthclient_forced_logout_total{reason="stale"} 1`,
		`goauthclient_forced_logout_total{reason="refresh_rejected"} 2`,
		`goauthclient_forced_logout_total{reason="deactivated"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "goauthclient_forced_logout_total 3") {
		t.Fatalf("forced logouts must only be exported per reason, got:\n%s", out)
	}
	if n := strings.Count(out, "# TYPE goauthclient_forced_logout_total"); n != 1 {
		t.Fatalf("expected one forced logout family, got %d", n)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthClient.MetricsSnapshot{
			Counters:   map[goAuthClient.MetricID]uint64{goAuthClient.MetricLoginSuccess: 1},
			Histograms: map[goAuthClient.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExporterReadsController(t *testing.T) {
	srv, err := backendtest.New(backendtest.Options{})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	t.Cleanup(srv.Close)
	if _, err := srv.AddUser("ana@example.com", "correct-password-123", "Ana"); err != nil {
		t.Fatalf("add user: %v", err)
	}

	c, err := goAuthClient.New().WithBaseURL(srv.URL()).WithLatencyHistograms(true).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(c.Close)

	if _, err := c.Login(context.Background(), goAuthClient.Credentials{Email: "ana@example.com", Password: "correct-password-123"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	srv.ExpireAccessTokens()
	get(t, c, srv.URL()+"/api/groups")

	exp := NewPrometheusExporter(c)
	out := exp.Render()
	for _, want := range []string{
		"goauthclient_login_success_total 1",
		"goauthclient_refresh_success_total 1",
		"goauthclient_refresh_latency_seconds_count 1",
		`goauthclient_session_state{state="authenticated"} 1`,
		"goauthclient_session_provisional 0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}

	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()
	if resp, err := c.HTTPClient().Get(srv.URL() + "/api/groups"); err == nil {
		resp.Body.Close()
		t.Fatal("expected the rejected refresh to fail the request")
	}

	out = exp.Render()
	for _, want := range []string{
		`goauthclient_forced_logout_total{reason="refresh_rejected"} 1`,
		`goauthclient_session_state{state="unauthenticated"} 1`,
		`goauthclient_session_state{state="authenticated"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func get(t *testing.T, c *goAuthClient.Controller, url string) {
	t.Helper()
	resp, err := c.HTTPClient().Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthClient.MetricsSnapshot{
			Counters: map[goAuthClient.MetricID]uint64{
				goAuthClient.MetricLoginSuccess:       1000,
				goAuthClient.MetricLoginFailure:       40,
				goAuthClient.MetricRefreshSuccess:     800,
				goAuthClient.MetricRefreshFailure:     10,
				goAuthClient.MetricForcedLogout:       20,
				goAuthClient.MetricNetworkUnavailable: 3,
			},
			ForcedLogouts: map[string]uint64{
				goAuthClient.ReasonUnauthorized: 12,
				"refresh_rejected":              8,
			},
			State: goAuthClient.StateAuthenticated,
			Histograms: map[goAuthClient.MetricID][]uint64{
				goAuthClient.MetricRefreshLatency: {10, 20, 30, 40, 50, 60, 70, 80},
				goAuthClient.MetricRequestLatency: {80, 70, 60, 50, 40, 30, 20, 10},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
