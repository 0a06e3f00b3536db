package registry

import (
	"sync"
	"testing"
	"time"
)

func TestAddUniqueRejectsDuplicate(t *testing.T) {
	r := New()
	if err := r.AddUnique(NewHandle("idx1", "/data/idx1", IndexPlain)); err != nil {
		t.Fatalf("first AddUnique: %v", err)
	}
	if err := r.AddUnique(NewHandle("idx1", "/data/idx1-new", IndexPlain)); err == nil {
		t.Fatalf("expected error on duplicate AddUnique")
	}
}

func TestGetReleaseRoundTrip(t *testing.T) {
	r := New()
	h := NewHandle("idx1", "/data/idx1", IndexPlain)
	if err := r.AddUnique(h); err != nil {
		t.Fatalf("AddUnique: %v", err)
	}

	ref, ok := r.Get("idx1")
	if !ok {
		t.Fatalf("expected Get to find idx1")
	}
	if ref.Name != "idx1" {
		t.Fatalf("unexpected handle: %+v", ref.Handle)
	}
	ref.Release()
}

func TestReadIteratorVisitsAll(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c"} {
		r.AddUnique(NewHandle(name, "/data/"+name, IndexPlain))
	}

	it := r.ReadIterate()
	defer it.Close()

	seen := map[string]bool{}
	for {
		ref, ok := it.Next()
		if !ok {
			break
		}
		seen[ref.Name] = true
		ref.Release()
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 entries visited, got %d: %v", len(seen), seen)
	}
}

func TestWriteIteratorDeleteRewindsCursor(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c"} {
		r.AddUnique(NewHandle(name, "/data/"+name, IndexPlain))
	}

	it := r.WriteIterate()
	visited := []string{}
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		visited = append(visited, h.Name)
		if h.Name == "b" {
			it.Delete()
		}
	}
	it.Close()

	if len(visited) != 3 {
		t.Fatalf("expected all 3 entries visited despite in-place delete, got %v", visited)
	}
	if r.Contains("b") {
		t.Fatalf("expected b deleted")
	}
	if !r.Contains("a") || !r.Contains("c") {
		t.Fatalf("expected a and c to remain")
	}
}

// Mirrors §8 scenario 6: two goroutines concurrently AddOrReplace the
// same key with different values; every interleaving must leave exactly
// one live value and Get must never observe nil.
func TestAddOrReplaceAtomicityUnderConcurrency(t *testing.T) {
	r := New()
	r.AddUnique(NewHandle("k", "/data/k", IndexPlain))

	var wg sync.WaitGroup
	results := make(chan string, 200)

	// A background reader hammers Get concurrently with the writers,
	// asserting it is never handed a torn/nil reference.
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ref, ok := r.Get("k")
			if !ok {
				t.Errorf("Get(k) returned not-found mid-replace")
				return
			}
			select {
			case results <- ref.Path:
			default: // buffer full; keep reading without recording
			}
			ref.Release()
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 2; i++ {
		path := "v1"
		if i == 1 {
			path = "v2"
		}
		writers.Add(1)
		go func(path string) {
			defer writers.Done()
			for j := 0; j < 50; j++ {
				h := NewHandle("k", path, IndexPlain)
				r.AddOrReplace(h, nil)
			}
		}(path)
	}

	writers.Wait()
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()
	close(results)

	for p := range results {
		if p != "v1" && p != "v2" {
			t.Fatalf("observed unexpected path %q, neither v1 nor v2", p)
		}
	}

	ref, ok := r.Get("k")
	if !ok {
		t.Fatalf("expected k to remain registered after all replaces")
	}
	defer ref.Release()
	if ref.Path != "v1" && ref.Path != "v2" {
		t.Fatalf("final value %q is neither v1 nor v2", ref.Path)
	}
}

func TestQueryStatsPercentileAndTotals(t *testing.T) {
	qs := NewQueryStats()
	for i := 0; i < 100; i++ {
		qs.Record(uint64(i), time.Duration(i)*time.Microsecond)
	}

	p95 := qs.Percentile(0.95)
	if p95 < 80 || p95 > 100 {
		t.Fatalf("p95 = %f, expected roughly in [80,100]", p95)
	}

	totals := qs.Totals()
	if totals.Count == 0 {
		t.Fatalf("expected nonzero totals after recording")
	}
}
