package otel

import (
	"context"
	"errors"
	"fmt"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// MetricsSource is satisfied by *goAuthClient.Controller.
type MetricsSource interface {
	MetricsSnapshot() goAuthClient.MetricsSnapshot
	AuditDropped() uint64
}

// labelled is one data point of a labelled instrument with its attribute
// set resolved once.
type labelled struct {
	value string
	attrs metric.ObserveOption
}

func labels(key string, values []string) []labelled {
	out := make([]labelled, len(values))
	for i, v := range values {
		out[i] = labelled{
			value: v,
			attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String(key, v))),
		}
	}
	return out
}

type latency struct {
	id      goAuthClient.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes a controller's session metrics as observable
// instruments on a caller supplied meter. Close unregisters the collection
// callback.
type OTelExporter struct {
	source       MetricsSource
	registration metric.Registration

	counters     map[goAuthClient.MetricID]metric.Int64ObservableCounter
	forced       metric.Int64ObservableCounter
	state        metric.Int64ObservableGauge
	provisional  metric.Int64ObservableGauge
	latencies    []latency
	auditDropped metric.Int64ObservableCounter

	reasons []labelled
	states  []labelled
	bounds  []labelled
}

func NewOTelExporter(meter metric.Meter, c *goAuthClient.Controller) (*OTelExporter, error) {
	if c == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, c)
}

func NewOTelExporterFromSource(meter metric.Meter, source MetricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	states := goAuthClient.States()
	stateNames := make([]string, len(states))
	for i, st := range states {
		stateNames[i] = st.String()
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[goAuthClient.MetricID]metric.Int64ObservableCounter, len(internaldefs.Counters)),
		reasons:  labels(internaldefs.LabelReason, goAuthClient.ForcedLogoutReasons()),
		states:   labels(internaldefs.LabelState, stateNames),
		bounds:   labels(internaldefs.LabelLE, internaldefs.BucketBounds[:]),
	}
	var observables []metric.Observable

	counter := func(m internaldefs.Metric) (metric.Int64ObservableCounter, error) {
		ins, err := meter.Int64ObservableCounter(m.Name, metric.WithDescription(m.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", m.Name, err)
		}
		observables = append(observables, ins)
		return ins, nil
	}
	gauge := func(m internaldefs.Metric) (metric.Int64ObservableGauge, error) {
		ins, err := meter.Int64ObservableGauge(m.Name, metric.WithDescription(m.Help))
		if err != nil {
			return nil, fmt.Errorf("create gauge %s: %w", m.Name, err)
		}
		observables = append(observables, ins)
		return ins, nil
	}

	var err error
	for _, m := range internaldefs.Counters {
		if e.counters[m.ID], err = counter(m); err != nil {
			return nil, err
		}
	}
	if e.forced, err = counter(internaldefs.ForcedLogouts); err != nil {
		return nil, err
	}
	if e.state, err = gauge(internaldefs.SessionState); err != nil {
		return nil, err
	}
	if e.provisional, err = gauge(internaldefs.SessionProvisional); err != nil {
		return nil, err
	}
	for _, m := range internaldefs.Latencies {
		l := latency{id: m.ID}
		if l.buckets, err = gauge(internaldefs.Metric{Name: m.Name + "_bucket", Help: m.Help + " Cumulative count per le bound."}); err != nil {
			return nil, err
		}
		if l.count, err = gauge(internaldefs.Metric{Name: m.Name + "_count", Help: m.Help + " Sample count."}); err != nil {
			return nil, err
		}
		e.latencies = append(e.latencies, l)
	}
	if e.auditDropped, err = counter(internaldefs.AuditDropped); err != nil {
		return nil, err
	}

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()

	for id, ins := range e.counters {
		o.ObserveInt64(ins, int64(snap.Counters[id]))
	}
	for _, r := range e.reasons {
		o.ObserveInt64(e.forced, int64(snap.ForcedLogouts[r.value]), r.attrs)
	}
	current := snap.State.String()
	for _, st := range e.states {
		o.ObserveInt64(e.state, int64(internaldefs.Bool(st.value == current)), st.attrs)
	}
	o.ObserveInt64(e.provisional, int64(internaldefs.Bool(snap.Provisional)))

	for _, l := range e.latencies {
		cumulative := internaldefs.Cumulative(snap.Histograms[l.id])
		for i, b := range e.bounds {
			o.ObserveInt64(l.buckets, int64(cumulative[i]), b.attrs)
		}
		o.ObserveInt64(l.count, int64(cumulative[len(cumulative)-1]))
	}

	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
