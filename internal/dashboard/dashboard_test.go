package dashboard

import (
	"math"
	"testing"
	"time"
)

func TestRecordMonotonicity(t *testing.T) {
	d := New("10.0.0.1:9312", nil)

	var prevAttempts, prevQueries uint64
	for i := 0; i < 20; i++ {
		d.Record(Counters{CleanSuccesses: 1}, time.Millisecond, 1, 5)
		s := d.Snapshot(bucketCount)
		if s.ConnectionAttempts < prevAttempts {
			t.Fatalf("connection-attempts decreased: %d -> %d", prevAttempts, s.ConnectionAttempts)
		}
		if s.Counters.CleanSuccesses < prevQueries {
			t.Fatalf("clean-successes decreased: %d -> %d", prevQueries, s.Counters.CleanSuccesses)
		}
		prevAttempts = s.ConnectionAttempts
		prevQueries = s.Counters.CleanSuccesses
	}
}

func TestErrorsInARowResetsOnSuccess(t *testing.T) {
	d := New("10.0.0.2:9312", nil)

	d.Record(Counters{NetworkErrors: 1}, time.Millisecond, 1, 5)
	d.Record(Counters{NetworkErrors: 1}, time.Millisecond, 1, 5)
	if got := d.ErrorsInARow(); got != 2 {
		t.Fatalf("errors-in-a-row = %d, want 2", got)
	}

	d.Record(Counters{CleanSuccesses: 1}, time.Millisecond, 1, 5)
	if got := d.ErrorsInARow(); got != 0 {
		t.Fatalf("errors-in-a-row after success = %d, want 0", got)
	}
}

func TestStaleBucketResets(t *testing.T) {
	old := KarmaPeriod
	KarmaPeriod = 10 * time.Millisecond
	defer func() { KarmaPeriod = old }()

	d := New("10.0.0.3:9312", nil)
	d.Record(Counters{CleanSuccesses: 1}, time.Millisecond, 1, 5)

	time.Sleep(200 * time.Millisecond) // wrap past all 15 buckets

	s := d.Snapshot(bucketCount)
	if s.ConnectionAttempts != 0 {
		t.Fatalf("expected stale bucket to read as empty, got %d attempts", s.ConnectionAttempts)
	}
}

func weightSum(w []float64) float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}

func TestGroupWeightsSumToOne(t *testing.T) {
	mirrors := []*Mirror{
		{Host: "a", Dashboard: New("a", nil)},
		{Host: "b", Dashboard: New("b", nil)},
		{Host: "c", Dashboard: New("c", nil)},
	}
	g := NewGroup(mirrors, StrategyAvoidDeadWeighted, 2)

	mirrors[0].Dashboard.Record(Counters{TimeoutsQuery: 1}, time.Millisecond, 1, 5)
	mirrors[0].Dashboard.Record(Counters{TimeoutsQuery: 1}, time.Millisecond, 1, 5)
	mirrors[1].Dashboard.Record(Counters{CleanSuccesses: 1}, time.Millisecond, 1, 5)

	g.Choose() // triggers recompute

	w := g.Weights()
	if len(w) != 3 {
		t.Fatalf("expected 3 weights, got %d", len(w))
	}
	if sum := weightSum(w); math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("weights sum to %f, want 1.0 +/- 1e-6", sum)
	}
	for i, v := range w {
		if v < minWeight-1e-9 {
			t.Fatalf("weight[%d] = %f below floor %f", i, v, minWeight)
		}
	}
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	mirrors := []*Mirror{
		{Host: "a", Dashboard: New("a", nil)},
		{Host: "b", Dashboard: New("b", nil)},
	}
	g := NewGroup(mirrors, StrategyRoundRobin, 0)

	counts := map[int]int{}
	for i := 0; i < 10; i++ {
		counts[g.Choose()]++
	}
	if counts[0] != 5 || counts[1] != 5 {
		t.Fatalf("expected even round-robin split, got %v", counts)
	}
}

func TestMinTimePicksLowestLatency(t *testing.T) {
	mirrors := []*Mirror{
		{Host: "slow", Dashboard: New("slow", nil)},
		{Host: "fast", Dashboard: New("fast", nil)},
	}
	g := NewGroup(mirrors, StrategyAvoidDeadMinTime, 1)

	mirrors[0].Dashboard.Record(Counters{CleanSuccesses: 1}, 50*time.Millisecond, 1, 5)
	mirrors[1].Dashboard.Record(Counters{CleanSuccesses: 1}, 1*time.Millisecond, 1, 5)

	if got := g.Choose(); got != 1 {
		t.Fatalf("expected index 1 (fast mirror), got %d", got)
	}
}

// TestMinTimeIgnoresConnectionReuseSkew guards against averaging query
// latency over connection-attempt count: a persistent mirror dialed once
// and reused for many fast queries must not look slower than a mirror
// that reconnects (and records a connect attempt) on every single query.
func TestMinTimeIgnoresConnectionReuseSkew(t *testing.T) {
	mirrors := []*Mirror{
		{Host: "persistent", Dashboard: New("persistent", nil)},
		{Host: "per-query-connect", Dashboard: New("per-query-connect", nil)},
	}
	g := NewGroup(mirrors, StrategyAvoidDeadMinTime, 1)

	// One connect, then many fast queries reusing that same socket.
	mirrors[0].Dashboard.Record(Counters{}, 0, 1, 5)
	for i := 0; i < 50; i++ {
		mirrors[0].Dashboard.Record(Counters{CleanSuccesses: 1}, time.Millisecond, 0, 0)
	}

	// A fresh connect attempt on every query, each one a bit slower.
	for i := 0; i < 50; i++ {
		mirrors[1].Dashboard.Record(Counters{}, 0, 1, 5)
		mirrors[1].Dashboard.Record(Counters{CleanSuccesses: 1}, 2*time.Millisecond, 0, 0)
	}

	if got := g.Choose(); got != 0 {
		t.Fatalf("expected index 0 (persistent mirror, truly lower per-query latency), got %d", got)
	}
}
