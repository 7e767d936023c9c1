// Package prometheus renders a controller's session metrics in Prometheus
// text exposition format.
//
// Besides the goauthclient_*_total counters and the two latency histograms it
// exports goauthclient_session_state{state=...} as a one-hot gauge,
// goauthclient_session_provisional, and forced logouts as
// goauthclient_forced_logout_total{reason=...}. Nothing is registered
// globally; callers mount [PrometheusExporter.Handler].
package prometheus
