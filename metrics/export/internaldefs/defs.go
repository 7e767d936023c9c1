package internaldefs

import goAuthClient "github.com/MrEthical07/goAuthClient"

// Metric is one exported series family.
type Metric struct {
	ID   goAuthClient.MetricID
	Name string
	Help string
}

// Counters is the export order for the unlabelled controller counters.
// Forced logouts are exported per reason instead, see ForcedLogouts.
var Counters = []Metric{
	{ID: goAuthClient.MetricLoginSuccess, Name: "goauthclient_login_success_total", Help: "Successful logins."},
	{ID: goAuthClient.MetricLoginFailure, Name: "goauthclient_login_failure_total", Help: "Failed logins."},
	{ID: goAuthClient.MetricRegisterSuccess, Name: "goauthclient_register_success_total", Help: "Registrations that issued a session."},
	{ID: goAuthClient.MetricRegisterPending, Name: "goauthclient_register_pending_total", Help: "Registrations accepted without tokens."},
	{ID: goAuthClient.MetricRegisterFailure, Name: "goauthclient_register_failure_total", Help: "Failed registrations."},
	{ID: goAuthClient.MetricRefreshSuccess, Name: "goauthclient_refresh_success_total", Help: "Successful token refreshes."},
	{ID: goAuthClient.MetricRefreshFailure, Name: "goauthclient_refresh_failure_total", Help: "Failed token refreshes."},
	{ID: goAuthClient.MetricRefreshDiscarded, Name: "goauthclient_refresh_discarded_total", Help: "Refresh results dropped after the session changed."},
	{ID: goAuthClient.MetricDeactivated, Name: "goauthclient_deactivated_total", Help: "Sessions ended by account deactivation."},
	{ID: goAuthClient.MetricLogout, Name: "goauthclient_logout_total", Help: "User initiated logouts."},
	{ID: goAuthClient.MetricBootstrapAuthenticated, Name: "goauthclient_bootstrap_authenticated_total", Help: "Startup checks that confirmed the stored session."},
	{ID: goAuthClient.MetricBootstrapCleared, Name: "goauthclient_bootstrap_cleared_total", Help: "Startup checks that cleared the stored session."},
	{ID: goAuthClient.MetricBootstrapProvisional, Name: "goauthclient_bootstrap_provisional_total", Help: "Startup checks that could not reach the backend."},
	{ID: goAuthClient.MetricNetworkUnavailable, Name: "goauthclient_network_unavailable_total", Help: "Requests that failed to reach the backend."},
	{ID: goAuthClient.MetricPersistenceFailure, Name: "goauthclient_persistence_failure_total", Help: "Failed session persistence writes."},
}

// Latencies are exported as histograms in seconds.
var Latencies = []Metric{
	{ID: goAuthClient.MetricRefreshLatency, Name: "goauthclient_refresh_latency_seconds", Help: "Token refresh latency."},
	{ID: goAuthClient.MetricRequestLatency, Name: "goauthclient_request_latency_seconds", Help: "Authorized request latency."},
}

var (
	ForcedLogouts = Metric{
		ID:   goAuthClient.MetricForcedLogout,
		Name: "goauthclient_forced_logout_total",
		Help: "Sessions ended without a user logout, by reason.",
	}
	SessionState = Metric{
		Name: "goauthclient_session_state",
		Help: "1 for the current lifecycle state, 0 for the others.",
	}
	SessionProvisional = Metric{
		Name: "goauthclient_session_provisional",
		Help: "1 while a stored session is kept without backend confirmation.",
	}
	AuditDropped = Metric{
		Name: "goauthclient_audit_dropped_total",
		Help: "Audit events dropped because the sink queue was full.",
	}
)

// Label keys.
const (
	LabelReason = "reason"
	LabelState  = "state"
	LabelLE     = "le"
)

// BucketBounds are the le labels of the latency buckets, in bucket order.
var BucketBounds = [8]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}

// Cumulative turns the non-cumulative buckets of a snapshot into le counts.
// Missing buckets read as zero.
func Cumulative(buckets []uint64) [8]uint64 {
	var out [8]uint64
	var total uint64
	for i := range out {
		if i < len(buckets) {
			total += buckets[i]
		}
		out[i] = total
	}
	return out
}

// Bool reports v as a gauge value.
func Bool(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// Enabled reports whether the snapshot came from enabled metrics.
func Enabled(s goAuthClient.MetricsSnapshot) bool {
	return len(s.Counters) > 0 || len(s.Histograms) > 0
}
