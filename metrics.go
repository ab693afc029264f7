package authenticator

import (
	"sync/atomic"
)

// MetricID identifies an internal counter maintained by the Guard.
type MetricID uint16

const (
	// MetricIssued counts token families created through Issue.
	MetricIssued MetricID = iota
	// MetricAuthenticateSuccess counts accepted access tokens.
	MetricAuthenticateSuccess
	// MetricAuthenticateFailure counts rejected access tokens.
	MetricAuthenticateFailure
	// MetricRefreshSuccess counts completed rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricReuseDetected counts refresh tokens replayed after rotation.
	MetricReuseDetected
	// MetricRevokeFailed counts families that could not be deleted after
	// a reuse detection.
	MetricRevokeFailed
	// MetricLogout counts explicit revocations.
	MetricLogout
	// MetricFamiliesPruned counts records removed by the pruning sweep.
	MetricFamiliesPruned
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of atomic counters. A nil or disabled receiver
// accepts all calls and records nothing.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Add increments a counter by n. Used for the pruning sweep where one
// call removes many records.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
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
			Counters: map[MetricID]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, int(metricIDCount)),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
