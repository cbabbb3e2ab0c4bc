package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the processor.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the batch loop.
type Collector interface {
	IncHotReload(file string)
	ObserveBatch(partition string, duration time.Duration, err error)
	AddRecords(partition string, count int)
	AddEviction(slot string, evicted, stale int)
	SetCommittedVersion(partition string, version uint64)
	SetWatermark(watermark time.Time)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                       {}
func (noopCollector) ObserveBatch(string, time.Duration, error) {}
func (noopCollector) AddRecords(string, int)                    {}
func (noopCollector) AddEviction(string, int, int)              {}
func (noopCollector) SetCommittedVersion(string, uint64)        {}
func (noopCollector) SetWatermark(time.Time)                    {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	hotReloads    *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec
	evicted       *prometheus.CounterVec
	stale         *prometheus.CounterVec
	version       *prometheus.GaugeVec
	watermark     prometheus.Gauge
}

var (
	sharedMetrics     *PrometheusCollector
	sharedMetricsLock sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by an earlier call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	sharedMetricsLock.Lock()
	defer sharedMetricsLock.Unlock()
	if sharedMetrics != nil {
		return sharedMetrics, nil
	}

	var c PrometheusCollector
	var err error
	if c.hotReloads, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystate_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if c.batches, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystate_batches_total",
		Help: "Number of micro-batches per partition and outcome.",
	}, []string{"partition", "result"})); err != nil {
		return nil, err
	}
	if c.batchDuration, err = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keystate_batch_duration_seconds",
		Help:    "Time spent processing and committing one micro-batch.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"partition"})); err != nil {
		return nil, err
	}
	if c.records, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystate_records_total",
		Help: "Number of input records committed per partition.",
	}, []string{"partition"})); err != nil {
		return nil, err
	}
	if c.evicted, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystate_evicted_total",
		Help: "Number of expired values removed per slot.",
	}, []string{"slot"})); err != nil {
		return nil, err
	}
	if c.stale, err = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystate_stale_index_entries_total",
		Help: "Number of superseded expiration index entries removed per slot.",
	}, []string{"slot"})); err != nil {
		return nil, err
	}
	if c.version, err = registerOrReuse(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keystate_committed_version",
		Help: "Last committed batch version per partition.",
	}, []string{"partition"})); err != nil {
		return nil, err
	}
	if c.watermark, err = registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keystate_watermark_seconds",
		Help: "Current event-time watermark as Unix seconds.",
	})); err != nil {
		return nil, err
	}
	sharedMetrics = &c
	return sharedMetrics, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveBatch records the outcome and duration of one partition batch.
func (p *PrometheusCollector) ObserveBatch(partition string, duration time.Duration, err error) {
	if p == nil {
		return
	}
	result := "committed"
	if err != nil {
		result = "failed"
	}
	p.batches.WithLabelValues(partition, result).Inc()
	p.batchDuration.WithLabelValues(partition).Observe(duration.Seconds())
}

// AddRecords counts committed input records.
func (p *PrometheusCollector) AddRecords(partition string, count int) {
	if p == nil || count <= 0 {
		return
	}
	p.records.WithLabelValues(partition).Add(float64(count))
}

// AddEviction counts evicted values and removed stale index entries.
func (p *PrometheusCollector) AddEviction(slot string, evicted, stale int) {
	if p == nil {
		return
	}
	if evicted > 0 {
		p.evicted.WithLabelValues(slot).Add(float64(evicted))
	}
	if stale > 0 {
		p.stale.WithLabelValues(slot).Add(float64(stale))
	}
}

// SetCommittedVersion tracks the last committed batch of a partition.
func (p *PrometheusCollector) SetCommittedVersion(partition string, version uint64) {
	if p == nil {
		return
	}
	p.version.WithLabelValues(partition).Set(float64(version))
}

// SetWatermark tracks event-time progress.
func (p *PrometheusCollector) SetWatermark(watermark time.Time) {
	if p == nil {
		return
	}
	p.watermark.Set(float64(watermark.UnixMilli()) / 1000)
}

func resetForTest() {
	sharedMetricsLock.Lock()
	sharedMetrics = nil
	sharedMetricsLock.Unlock()
}
