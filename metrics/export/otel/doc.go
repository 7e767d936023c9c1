// Package otel binds a controller's session metrics to an OpenTelemetry
// meter.
//
// Counters become Int64ObservableCounters. Forced logouts carry a reason
// attribute, goauthclient_session_state carries a state attribute and is 1
// only for the current state, and latency buckets are one cumulative gauge
// per histogram keyed by an le attribute. One callback reads
// [goAuthClient.Controller.MetricsSnapshot] per collection cycle. The caller
// owns the MeterProvider.
package otel
