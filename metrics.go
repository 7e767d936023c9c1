package goAuthClient

import (
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goAuthClient/transport"
)

// MetricID identifies one controller counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRegisterSuccess
	// MetricRegisterPending counts registrations accepted without tokens.
	MetricRegisterPending
	MetricRegisterFailure
	MetricRefreshSuccess
	MetricRefreshFailure
	// MetricRefreshDiscarded counts refresh results dropped because the session
	// changed while the refresh ran.
	MetricRefreshDiscarded
	MetricForcedLogout
	MetricDeactivated
	MetricLogout
	MetricBootstrapAuthenticated
	MetricBootstrapCleared
	MetricBootstrapProvisional
	MetricNetworkUnavailable
	MetricPersistenceFailure
	MetricRefreshLatency
	MetricRequestLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

// ForcedLogoutOther is the label for forced logouts with an unlisted reason.
const ForcedLogoutOther = "other"

var forcedLogoutReasons = [...]string{
	ReasonUnauthorized,
	ReasonStale,
	ReasonExternal,
	string(transport.ReasonRefreshRejected),
	string(transport.ReasonNoRefreshToken),
	string(transport.ReasonDeactivated),
	ForcedLogoutOther,
}

// ForcedLogoutReasons returns the reason labels forced logouts are counted
// under, in export order.
func ForcedLogoutReasons() []string {
	return append([]string(nil), forcedLogoutReasons[:]...)
}

func forcedLogoutIndex(reason string) int {
	for i, r := range forcedLogoutReasons {
		if r == reason {
			return i
		}
	}
	return len(forcedLogoutReasons) - 1
}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters and latency histograms.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	forced        [len(forcedLogoutReasons)]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of Metrics. Histogram buckets are
// not cumulative. ForcedLogouts is keyed by reason label and sums to
// Counters[MetricForcedLogout].
//
// State and Provisional are only filled by [Controller.MetricsSnapshot].
type MetricsSnapshot struct {
	Counters      map[MetricID]uint64
	Histograms    map[MetricID][]uint64
	ForcedLogouts map[string]uint64
	State         State
	Provisional   bool
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// IncForcedLogout counts a forced logout under its reason label and in
// MetricForcedLogout.
func (m *Metrics) IncForcedLogout(reason string) {
	if m == nil || !m.enabled {
		return
	}
	atomic.AddUint64(&m.forced[forcedLogoutIndex(reason)].value, 1)
	atomic.AddUint64(&m.counters[MetricForcedLogout].value, 1)
}

// Observe records d for a latency metric. Non-latency IDs are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || !isLatency(id) {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:      map[MetricID]uint64{},
			Histograms:    map[MetricID][]uint64{},
			ForcedLogouts: map[string]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:      make(map[MetricID]uint64, int(metricIDCount)),
		Histograms:    make(map[MetricID][]uint64, 2),
		ForcedLogouts: make(map[string]uint64, len(forcedLogoutReasons)),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if isLatency(id) {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	for i, reason := range forcedLogoutReasons {
		s.ForcedLogouts[reason] = atomic.LoadUint64(&m.forced[i].value)
	}

	if m.enableLatency {
		for _, id := range []MetricID{MetricRefreshLatency, MetricRequestLatency} {
			buckets := make([]uint64, histBucketCount)
			for i := range buckets {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
		}
	}
	return s
}

func isLatency(id MetricID) bool {
	return id == MetricRefreshLatency || id == MetricRequestLatency
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
