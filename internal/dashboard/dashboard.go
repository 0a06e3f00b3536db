// Package dashboard implements the per-host rolling metrics ring (§4.5)
// and the mirror group selection strategies built on top of it. Every
// completed agent call, real or ping, feeds back into the same counter
// path so operators see one consistent picture regardless of source.
package dashboard

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KarmaPeriod is the bucket width used to stamp and age dashboard
// buckets. It is a package variable rather than a constant so tests can
// shrink it; production wiring leaves it at its default.
var KarmaPeriod = 60 * time.Second

const bucketCount = 15

// Counters holds the raw, mutually-exclusive-cause counters accumulated
// per bucket.
type Counters struct {
	TimeoutsQuery     uint64
	TimeoutsConnect   uint64
	ConnectFailures   uint64
	NetworkErrors     uint64
	WrongReplies      uint64
	UnexpectedClose   uint64
	CriticalWarnings  uint64
	CleanSuccesses    uint64
}

// IsFailure reports whether any field other than CleanSuccesses is
// nonzero; it drives the errors-in-a-row bump on Record.
func (c Counters) IsFailure() bool {
	return c.TimeoutsQuery > 0 || c.TimeoutsConnect > 0 || c.ConnectFailures > 0 ||
		c.NetworkErrors > 0 || c.WrongReplies > 0 || c.UnexpectedClose > 0 || c.CriticalWarnings > 0
}

func (c *Counters) add(o Counters) {
	c.TimeoutsQuery += o.TimeoutsQuery
	c.TimeoutsConnect += o.TimeoutsConnect
	c.ConnectFailures += o.ConnectFailures
	c.NetworkErrors += o.NetworkErrors
	c.WrongReplies += o.WrongReplies
	c.UnexpectedClose += o.UnexpectedClose
	c.CriticalWarnings += o.CriticalWarnings
	c.CleanSuccesses += o.CleanSuccesses
}

type bucket struct {
	stamp           int64 // now / KARMA_PERIOD
	counters        Counters
	totalMicros     uint64
	latencySamples  uint64 // count of Record calls that carried a nonzero latency
	connectAttempts uint64
	sumConnectMs    uint64
	maxConnectMs    uint64
}

func (b *bucket) resetIfStale(stamp int64) {
	if b.stamp != stamp {
		*b = bucket{stamp: stamp}
	}
}

// Snapshot coalesces a span of buckets into totals and derived averages.
type Snapshot struct {
	Counters
	TotalMicros        uint64
	LatencySamples     uint64
	ConnectionAttempts uint64
	AverageConnectMs   float64
	MaxConnectMs       uint64
	ErrorsInARow       uint64
	LastAnswer         time.Time
	LastQuery          time.Time
}

// Dashboard is the rolling metrics ring for one host/mirror, guarded by a
// single reader/writer lock covering both the ring and the sticky
// counters, per the spec's shared-resources note.
type Dashboard struct {
	Key string // addr:port identity, canonical owner per the design notes

	mu          sync.RWMutex
	buckets     [bucketCount]bucket
	errorsInRow uint64
	lastAnswer  time.Time
	lastQuery   time.Time

	metrics *promMetrics
}

type promMetrics struct {
	queries   prometheus.Counter
	errors    prometheus.Counter
	connectMs prometheus.Histogram
}

// New creates a Dashboard identified by key (host addr:port), registering
// its Prometheus series against reg if non-nil.
func New(key string, reg *prometheus.Registry) *Dashboard {
	d := &Dashboard{Key: key}
	if reg == nil {
		return d
	}

	d.metrics = &promMetrics{
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "searchd_host_queries_total",
			Help:        "Total completed requests recorded against this host dashboard.",
			ConstLabels: prometheus.Labels{"host": key},
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "searchd_host_errors_total",
			Help:        "Total failed requests recorded against this host dashboard.",
			ConstLabels: prometheus.Labels{"host": key},
		}),
		connectMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "searchd_host_connect_ms",
			Help:        "Connect latency in milliseconds, as observed by this host dashboard.",
			ConstLabels: prometheus.Labels{"host": key},
			Buckets:     prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	reg.MustRegister(d.metrics.queries, d.metrics.errors, d.metrics.connectMs)
	return d
}

func stampFor(t time.Time) int64 {
	return t.UnixNano() / int64(KarmaPeriod)
}

// Record folds one completed request's deltas into the current bucket,
// resetting it first if its stamp has gone stale. errors-in-a-row
// increments on any failure counter touched and resets to zero on a
// clean success.
func (d *Dashboard) Record(delta Counters, latency time.Duration, connectAttempts uint64, connectMs uint64) {
	now := time.Now()
	stamp := stampFor(now)

	d.mu.Lock()
	defer d.mu.Unlock()

	idx := stamp % bucketCount
	b := &d.buckets[idx]
	b.resetIfStale(stamp)

	b.counters.add(delta)
	if latency > 0 {
		b.totalMicros += uint64(latency.Microseconds())
		b.latencySamples++
	}
	b.connectAttempts += connectAttempts
	b.sumConnectMs += connectMs
	if connectMs > b.maxConnectMs {
		b.maxConnectMs = connectMs
	}

	if delta.IsFailure() {
		d.errorsInRow++
	} else if delta.CleanSuccesses > 0 {
		d.errorsInRow = 0
		d.lastAnswer = now
	}
	d.lastQuery = now

	if d.metrics != nil {
		d.metrics.queries.Add(float64(delta.CleanSuccesses))
		if delta.IsFailure() {
			d.metrics.errors.Inc()
		}
		if connectAttempts > 0 {
			d.metrics.connectMs.Observe(float64(connectMs))
		}
	}
}

// Snapshot coalesces the last `periods` buckets (bounded by bucketCount)
// into a single aggregate view under a shared lock.
func (d *Dashboard) Snapshot(periods int) Snapshot {
	if periods <= 0 || periods > bucketCount {
		periods = bucketCount
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	now := stampFor(time.Now())
	var s Snapshot
	for i := 0; i < periods; i++ {
		stamp := now - int64(i)
		idx := ((stamp % bucketCount) + bucketCount) % bucketCount
		b := &d.buckets[idx]
		if b.stamp != stamp {
			continue
		}
		s.Counters.add(b.counters)
		s.TotalMicros += b.totalMicros
		s.LatencySamples += b.latencySamples
		s.ConnectionAttempts += b.connectAttempts
		s.MaxConnectMs = maxU64(s.MaxConnectMs, b.maxConnectMs)
	}
	if s.ConnectionAttempts > 0 {
		var sumConnectMs uint64
		for i := 0; i < periods; i++ {
			stamp := now - int64(i)
			idx := ((stamp % bucketCount) + bucketCount) % bucketCount
			b := &d.buckets[idx]
			if b.stamp == stamp {
				sumConnectMs += b.sumConnectMs
			}
		}
		s.AverageConnectMs = float64(sumConnectMs) / float64(s.ConnectionAttempts)
	}
	s.ErrorsInARow = d.errorsInRow
	s.LastAnswer = d.lastAnswer
	s.LastQuery = d.lastQuery
	return s
}

// ErrorsInARow reports the current consecutive-failure count, used by
// mirror selection to determine retry eligibility.
func (d *Dashboard) ErrorsInARow() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.errorsInRow
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
