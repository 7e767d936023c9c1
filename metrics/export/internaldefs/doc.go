// Package internaldefs holds the series names, label keys and bucket layout
// shared by the Prometheus and OpenTelemetry exporters.
package internaldefs
