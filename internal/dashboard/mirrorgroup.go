package dashboard

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy is a mirror selection strategy tag.
type Strategy string

const (
	StrategyRandom             Strategy = "random"
	StrategyRoundRobin         Strategy = "round-robin"
	StrategyAvoidDeadWeighted  Strategy = "avoid-dead-weighted"
	StrategyAvoidErrorsWeighted Strategy = "avoid-errors-weighted"
	StrategyAvoidDeadMinTime   Strategy = "avoid-dead-min-time"
	StrategyAvoidErrorsMinTime Strategy = "avoid-errors-min-time"
)

// minWeight is epsilon: the floor no mirror's weight may fall below, so a
// mirror experiencing trouble is still occasionally retried rather than
// starved permanently.
const minWeight = 0.01

// Mirror is one agent descriptor within a group: its dashboard plus the
// index names it serves.
type Mirror struct {
	Host      string
	Dashboard *Dashboard
	Indexes   []string
	Blackhole bool
	Persistent bool
}

// Group is an ordered mirror group with a selection strategy, retry
// budget, and a weight vector recomputed at karma-period boundaries.
type Group struct {
	mirrors  []*Mirror
	strategy Strategy
	retries  int

	rrCounter uint64

	weightMu     sync.RWMutex
	weights      []float64
	weightsStamp int64

	pingStop chan struct{}
	pingWG   sync.WaitGroup
}

// NewGroup builds a mirror group. Weights start uniform and are lazily
// recomputed on first selection under a weighted strategy.
func NewGroup(mirrors []*Mirror, strategy Strategy, retries int) *Group {
	g := &Group{mirrors: mirrors, strategy: strategy, retries: retries}
	g.weights = uniformWeights(len(mirrors))
	return g
}

func uniformWeights(n int) []float64 {
	if n == 0 {
		return nil
	}
	w := make([]float64, n)
	each := 1.0 / float64(n)
	for i := range w {
		w[i] = each
	}
	return w
}

// Mirrors returns the group's ordered mirror list. Callers must not
// mutate the returned slice.
func (g *Group) Mirrors() []*Mirror { return g.mirrors }

// Retries returns the configured retry budget.
func (g *Group) Retries() int { return g.retries }

// Choose picks a mirror index per the group's strategy.
func (g *Group) Choose() int {
	switch g.strategy {
	case StrategyRoundRobin:
		n := uint64(len(g.mirrors))
		if n == 0 {
			return -1
		}
		i := atomic.AddUint64(&g.rrCounter, 1) - 1
		return int(i % n)
	case StrategyAvoidDeadWeighted:
		g.maybeRecompute(penaltyDead)
		return g.weightedPick()
	case StrategyAvoidErrorsWeighted:
		g.maybeRecompute(penaltyErrors)
		return g.weightedPick()
	case StrategyAvoidDeadMinTime:
		return g.minTimePick(penaltyDead)
	case StrategyAvoidErrorsMinTime:
		return g.minTimePick(penaltyErrors)
	default: // StrategyRandom and unknown fall back to uniform random
		if len(g.mirrors) == 0 {
			return -1
		}
		return rand.Intn(len(g.mirrors))
	}
}

func penaltyDead(s Snapshot) float64 {
	return float64(s.ErrorsInARow)
}

func penaltyErrors(s Snapshot) float64 {
	return float64(s.Counters.NetworkErrors + s.Counters.TimeoutsQuery + s.Counters.TimeoutsConnect)
}

// maybeRecompute refreshes the weight vector if it is stale (age >
// karma period), guarded by an exclusive lock on the weight vector.
func (g *Group) maybeRecompute(penalty func(Snapshot) float64) {
	now := stampFor(time.Now())

	g.weightMu.RLock()
	stale := now != g.weightsStamp
	g.weightMu.RUnlock()
	if !stale {
		return
	}

	g.weightMu.Lock()
	defer g.weightMu.Unlock()
	if now == g.weightsStamp {
		return // lost the race; another goroutine already refreshed
	}

	penalties := make([]float64, len(g.mirrors))
	var total float64
	for i, m := range g.mirrors {
		p := penalty(m.Dashboard.Snapshot(bucketCount))
		inv := 1.0 / (1.0 + p)
		penalties[i] = inv
		total += inv
	}

	weights := make([]float64, len(g.mirrors))
	if total <= 0 {
		weights = uniformWeights(len(g.mirrors))
	} else {
		var sum float64
		for i, inv := range penalties {
			w := inv / total
			if w < minWeight {
				w = minWeight
			}
			weights[i] = w
			sum += w
		}
		// renormalize so weights sum back to 1.0 after flooring.
		if sum > 0 {
			for i := range weights {
				weights[i] /= sum
			}
		}
	}

	g.weights = weights
	g.weightsStamp = now
}

// Weights returns a cloned copy of the current weight vector, taken
// under the shared lock.
func (g *Group) Weights() []float64 {
	g.weightMu.RLock()
	defer g.weightMu.RUnlock()
	out := make([]float64, len(g.weights))
	copy(out, g.weights)
	return out
}

func (g *Group) weightedPick() int {
	weights := g.Weights()
	if len(weights) == 0 {
		return -1
	}
	r := rand.Float64()
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return i
		}
	}
	return len(weights) - 1
}

func (g *Group) minTimePick(penalty func(Snapshot) float64) int {
	best := -1
	var bestLatency float64
	var bestPenalty float64
	for i, m := range g.mirrors {
		s := m.Dashboard.Snapshot(bucketCount)
		latency := 0.0
		if s.LatencySamples > 0 {
			latency = float64(s.TotalMicros) / float64(s.LatencySamples)
		}
		p := penalty(s)
		if best == -1 || latency < bestLatency || (latency == bestLatency && p < bestPenalty) {
			best = i
			bestLatency = latency
			bestPenalty = p
		}
	}
	return best
}

// StartPinger launches a background goroutine issuing a low-cost ping to
// every non-blackhole mirror's dashboard at karma-period intervals. It is
// a no-op for a group of one or fewer mirrors; mirror health is not
// consulted when deciding whether to ping. pingFn
// performs the actual ping I/O and reports its outcome as a Counters
// delta plus latency, which StartPinger folds into the mirror's
// dashboard via the same Record path real queries use.
func (g *Group) StartPinger(pingFn func(m *Mirror) (Counters, time.Duration)) {
	if len(g.mirrors) <= 1 {
		return
	}

	g.pingStop = make(chan struct{})
	g.pingWG.Add(1)
	go func() {
		defer g.pingWG.Done()
		ticker := time.NewTicker(KarmaPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-g.pingStop:
				return
			case <-ticker.C:
				for _, m := range g.mirrors {
					if m.Blackhole {
						continue
					}
					delta, latency := pingFn(m)
					m.Dashboard.Record(delta, latency, 1, uint64(latency.Milliseconds()))
				}
			}
		}
	}()
}

// StopPinger halts the background pinger, if one was started, and waits
// for it to exit.
func (g *Group) StopPinger() {
	if g.pingStop == nil {
		return
	}
	close(g.pingStop)
	g.pingWG.Wait()
	g.pingStop = nil
}
