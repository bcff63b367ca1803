package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shufflefetch"

const (
	mediumMemory = "memory"
	mediumDisk   = "disk"
)

// Collector exports read, spill and open-stream counters. All methods are
// safe on a nil *Collector.
type Collector struct {
	remoteBytes   prometheus.Counter
	remoteBlocks  prometheus.Counter
	fetchWait     prometheus.Histogram
	records       prometheus.Counter
	spilledBytes  *prometheus.CounterVec
	peakMemory    prometheus.Gauge
	openRequests  prometheus.Counter
	openFailed    prometheus.Counter
	fetchFailures *prometheus.CounterVec
}

// NewCollector registers the shuffle read metrics on reg, or on
// prometheus.DefaultRegisterer when reg is nil. Metrics already registered
// by an earlier collector are shared.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Collector{
		remoteBytes: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "read", Name: "remote_bytes_total",
			Help: "Bytes fetched from storage hosts.",
		})),
		remoteBlocks: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "read", Name: "remote_blocks_total",
			Help: "Chunks fetched from storage hosts.",
		})),
		fetchWait: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "read", Name: "fetch_wait_seconds",
			Help:    "Time spent blocked waiting on remote data.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		})),
		records: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "read", Name: "records_total",
			Help: "Records handed to consumers.",
		})),
		spilledBytes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sort", Name: "spilled_bytes_total",
			Help: "Bytes spilled by the sort stage, by medium.",
		}, []string{"medium"})),
		peakMemory: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sort", Name: "peak_execution_memory_bytes",
			Help: "Largest in-memory buffer observed by the sort stage.",
		})),
		openRequests: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "open", Name: "batched_requests_total",
			Help: "Batched open-stream requests sent, one per host.",
		})),
		openFailed: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "open", Name: "failed_hosts_total",
			Help: "Hosts whose batched open-stream request failed.",
		})),
		fetchFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "read", Name: "fetch_failures_total",
			Help: "Fetch errors surfaced to consumers, by kind.",
		}, []string{"kind"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (c *Collector) addRemoteBytes(n int64) {
	if c != nil {
		c.remoteBytes.Add(float64(n))
	}
}

func (c *Collector) addRemoteBlocks(n int64) {
	if c != nil {
		c.remoteBlocks.Add(float64(n))
	}
}

func (c *Collector) observeFetchWait(d time.Duration) {
	if c != nil {
		c.fetchWait.Observe(d.Seconds())
	}
}

func (c *Collector) addRecords(n int64) {
	if c != nil {
		c.records.Add(float64(n))
	}
}

func (c *Collector) addSpill(medium string, n int64) {
	if c != nil {
		c.spilledBytes.WithLabelValues(medium).Add(float64(n))
	}
}

func (c *Collector) setPeakMemory(v int64) {
	if c != nil {
		c.peakMemory.Set(float64(v))
	}
}

// IncOpenRequests counts one batched open-stream request.
func (c *Collector) IncOpenRequests() {
	if c != nil {
		c.openRequests.Inc()
	}
}

// IncOpenFailedHosts counts one host whose open request failed.
func (c *Collector) IncOpenFailedHosts() {
	if c != nil {
		c.openFailed.Inc()
	}
}

// IncFetchFailure counts an error surfaced to a consumer.
func (c *Collector) IncFetchFailure(kind string) {
	if c != nil {
		c.fetchFailures.WithLabelValues(kind).Inc()
	}
}
