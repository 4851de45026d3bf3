package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics wraps the OTel meter with named counters/histograms. The worker
// pool records a job_duration_ms histogram and one jobs_<state> counter per
// terminal state. Safe for concurrent use; instruments are created lazily
// and cached by name.
type Metrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) *Metrics {
	return &Metrics{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *Metrics) IncCounter(ctx context.Context, name string, delta int64, attrs ...metric.AddOption) {
	if m == nil || m.meter == nil {
		return
	}
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(ctx, delta, attrs...)
}

func (m *Metrics) ObserveHistogram(ctx context.Context, name string, value float64, attrs ...metric.RecordOption) {
	if m == nil || m.meter == nil {
		return
	}
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.Record(ctx, value, attrs...)
}

// StageTimer returns a func that records the elapsed stage duration in
// milliseconds against the named histogram when called.
func (m *Metrics) StageTimer(ctx context.Context, name string) func() {
	start := time.Now()
	return func() {
		m.ObserveHistogram(ctx, name, float64(time.Since(start).Milliseconds()))
	}
}
