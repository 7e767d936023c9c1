package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/metrics/export/internaldefs"
)

// MetricsSource is satisfied by *goAuthClient.Controller.
type MetricsSource interface {
	MetricsSnapshot() goAuthClient.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders a controller's session metrics in Prometheus
// text exposition format.
type PrometheusExporter struct {
	source MetricsSource
}

// NewPrometheusExporter reads from the given controller.
func NewPrometheusExporter(c *goAuthClient.Controller) *PrometheusExporter {
	return &PrometheusExporter{source: c}
}

func NewPrometheusExporterFromSource(source MetricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render output. Mount it on the caller's mux.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns an empty string when metrics are disabled.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}
	snap := p.source.MetricsSnapshot()
	if !internaldefs.Enabled(snap) {
		return ""
	}

	var e expo
	e.b.Grow(8192)

	e.family(internaldefs.SessionState, "gauge")
	for _, st := range goAuthClient.States() {
		e.sample(internaldefs.SessionState.Name, internaldefs.LabelState, st.String(), internaldefs.Bool(st == snap.State))
	}
	e.family(internaldefs.SessionProvisional, "gauge")
	e.sample(internaldefs.SessionProvisional.Name, "", "", internaldefs.Bool(snap.Provisional))

	for _, m := range internaldefs.Counters {
		e.family(m, "counter")
		e.sample(m.Name, "", "", snap.Counters[m.ID])
	}

	e.family(internaldefs.ForcedLogouts, "counter")
	for _, reason := range goAuthClient.ForcedLogoutReasons() {
		e.sample(internaldefs.ForcedLogouts.Name, internaldefs.LabelReason, reason, snap.ForcedLogouts[reason])
	}

	for _, m := range internaldefs.Latencies {
		e.family(m, "histogram")
		cumulative := internaldefs.Cumulative(snap.Histograms[m.ID])
		for i, le := range internaldefs.BucketBounds {
			e.sample(m.Name+"_bucket", internaldefs.LabelLE, le, cumulative[i])
		}
		e.sample(m.Name+"_count", "", "", cumulative[len(cumulative)-1])
		// Buckets only; the sum is not tracked.
		e.sample(m.Name+"_sum", "", "", 0)
	}

	e.family(internaldefs.AuditDropped, "counter")
	e.sample(internaldefs.AuditDropped.Name, "", "", p.source.AuditDropped())

	return e.b.String()
}

// expo writes exposition lines. Label values here are fixed identifiers and
// need no escaping.
type expo struct {
	b strings.Builder
}

func (e *expo) family(m internaldefs.Metric, kind string) {
	e.b.WriteString("# HELP ")
	e.b.WriteString(m.Name)
	e.b.WriteByte(' ')
	e.b.WriteString(escapeHelp(m.Help))
	e.b.WriteString("\n# TYPE ")
	e.b.WriteString(m.Name)
	e.b.WriteByte(' ')
	e.b.WriteString(kind)
	e.b.WriteByte('\n')
}

func (e *expo) sample(name, label, value string, v uint64) {
	e.b.WriteString(name)
	if label != "" {
		e.b.WriteByte('{')
		e.b.WriteString(label)
		e.b.WriteString(`="`)
		e.b.WriteString(value)
		e.b.WriteString(`"}`)
	}
	e.b.WriteByte(' ')
	e.b.WriteString(strconv.FormatUint(v, 10))
	e.b.WriteByte('\n')
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	return strings.ReplaceAll(help, "\n", "\\n")
}
