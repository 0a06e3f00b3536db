package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statsBucketWidth = 100 * time.Millisecond
	statsRetention   = 15 * time.Minute
)

// statsBucket is one 100ms-granularity record: rows-found and query-time
// min/max/sum over everything recorded in that bucket, plus a count.
type statsBucket struct {
	stamp       int64 // unix nanos / statsBucketWidth
	rowsMin     uint64
	rowsMax     uint64
	rowsSum     uint64
	timeMinUs   uint64
	timeMaxUs   uint64
	timeSumUs   uint64
	count       uint64
}

// QueryStats is the per-index rolling container from the data model:
// 100ms buckets pruned at 15 minutes, plus a digest of the full history
// for 95/99 percentile queries. Prometheus summary vectors mirror the
// same observations for operators; they are additive, not a replacement
// for the digest-backed percentile API this type exposes directly.
type QueryStats struct {
	mu      sync.Mutex
	buckets []statsBucket // ordered oldest-to-newest; pruned from the front
	digest  *digest

	indexName string
	promRows  prometheus.Summary
	promTime  prometheus.Summary
}

// NewQueryStats creates an unregistered QueryStats container (no
// Prometheus series attached). Use NewQueryStatsWithMetrics to also
// register summary vectors against a registry.
func NewQueryStats() *QueryStats {
	return &QueryStats{digest: newDigest()}
}

// NewQueryStatsWithMetrics additionally registers rows_found and
// query_time as Prometheus summaries labeled by indexName.
func NewQueryStatsWithMetrics(indexName string, reg *prometheus.Registry) *QueryStats {
	qs := NewQueryStats()
	if reg == nil {
		return qs
	}
	qs.indexName = indexName
	qs.promRows = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:        "searchd_index_rows_found",
		Help:        "Rows found per query, observed per index.",
		ConstLabels: prometheus.Labels{"index": indexName},
		Objectives:  map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
	})
	qs.promTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:        "searchd_index_query_time_us",
		Help:        "Query time in microseconds, observed per index.",
		ConstLabels: prometheus.Labels{"index": indexName},
		Objectives:  map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(qs.promRows, qs.promTime)
	return qs
}

func stampForStats(t time.Time) int64 {
	return t.UnixNano() / int64(statsBucketWidth)
}

// Record folds one query's (rowsFound, elapsed) observation into the
// current 100ms bucket, pruning any bucket older than 15 minutes from
// the front of the ring.
func (q *QueryStats) Record(rowsFound uint64, elapsed time.Duration) {
	now := time.Now()
	stamp := stampForStats(now)
	elapsedUs := uint64(elapsed.Microseconds())

	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.buckets); n > 0 && q.buckets[n-1].stamp == stamp {
		b := &q.buckets[n-1]
		b.rowsSum += rowsFound
		b.count++
		if rowsFound < b.rowsMin || b.count == 1 {
			b.rowsMin = rowsFound
		}
		if rowsFound > b.rowsMax {
			b.rowsMax = rowsFound
		}
		b.timeSumUs += elapsedUs
		if elapsedUs < b.timeMinUs || b.count == 1 {
			b.timeMinUs = elapsedUs
		}
		if elapsedUs > b.timeMaxUs {
			b.timeMaxUs = elapsedUs
		}
	} else {
		q.buckets = append(q.buckets, statsBucket{
			stamp:     stamp,
			rowsMin:   rowsFound,
			rowsMax:   rowsFound,
			rowsSum:   rowsFound,
			timeMinUs: elapsedUs,
			timeMaxUs: elapsedUs,
			timeSumUs: elapsedUs,
			count:     1,
		})
	}

	q.prune(now)
	q.digest.add(float64(elapsedUs))

	if q.promRows != nil {
		q.promRows.Observe(float64(rowsFound))
	}
	if q.promTime != nil {
		q.promTime.Observe(float64(elapsedUs))
	}
}

func (q *QueryStats) prune(now time.Time) {
	cutoff := stampForStats(now.Add(-statsRetention))
	i := 0
	for i < len(q.buckets) && q.buckets[i].stamp < cutoff {
		i++
	}
	if i > 0 {
		q.buckets = q.buckets[i:]
	}
}

// Totals aggregates every retained bucket.
type Totals struct {
	RowsMin, RowsMax, RowsSum uint64
	TimeMinUs, TimeMaxUs, TimeSumUs uint64
	Count uint64
}

// Totals returns the aggregate over all retained (unpruned) buckets.
func (q *QueryStats) Totals() Totals {
	q.mu.Lock()
	defer q.mu.Unlock()

	var t Totals
	for i, b := range q.buckets {
		t.RowsSum += b.rowsSum
		t.TimeSumUs += b.timeSumUs
		t.Count += b.count
		if i == 0 || b.RowsMinLess(t.RowsMin) {
			t.RowsMin = b.rowsMin
		}
		if b.rowsMax > t.RowsMax {
			t.RowsMax = b.rowsMax
		}
		if i == 0 || b.timeMinUs < t.TimeMinUs {
			t.TimeMinUs = b.timeMinUs
		}
		if b.timeMaxUs > t.TimeMaxUs {
			t.TimeMaxUs = b.timeMaxUs
		}
	}
	return t
}

func (b statsBucket) RowsMinLess(cur uint64) bool { return b.rowsMin < cur }

// Percentile returns the estimated p-th percentile (0 < p < 1) of query
// time in microseconds, backed by the digest over every recorded
// observation (the digest is not pruned along with the buckets).
func (q *QueryStats) Percentile(p float64) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.digest.quantile(p)
}
