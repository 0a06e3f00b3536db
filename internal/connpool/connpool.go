// Package connpool implements the per-host persistent connection pool: a
// bounded FIFO ring of raw socket handles that lets the agent state
// machine reuse a live connection instead of paying a fresh TCP and
// protocol handshake on every query.
package connpool

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Rent returns either a rented socket or the sentinel Open meaning "no
// idle socket available, open a new connection".
type RentResult struct {
	Socket int
	Open   bool
}

// Pool is a FIFO ring of open file descriptors for one host/mirror. Rent
// and Return are mutually exclusive under mu; the invariant free <=
// capacity holds at every observation point.
type Pool struct {
	log *logrus.Entry

	mu       sync.Mutex
	ring     []int
	readIdx  int
	writeIdx int
	free     int
	capacity int
	shutdown bool

	closeFn func(fd int) error
}

// New creates a pool of the given capacity. closeFn is invoked to close a
// socket that is discarded (ring full, or shutdown draining); it defaults
// to the unix close(2) semantics expected by a caller working with raw
// fds, but tests may substitute a stub.
func New(capacity int, closeFn func(fd int) error, log *logrus.Entry) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		ring:     make([]int, capacity),
		capacity: capacity,
		closeFn:  closeFn,
		log:      log.WithField("component", "connpool"),
	}
}

// Reinit resets the ring to a new capacity, closing any sockets currently
// enqueued. It is not safe to call concurrently with Rent/Return from
// other goroutines holding stale references to the old ring.
func (p *Pool) Reinit(capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drainLocked()

	if capacity < 0 {
		capacity = 0
	}
	p.ring = make([]int, capacity)
	p.capacity = capacity
	p.readIdx = 0
	p.writeIdx = 0
	p.free = 0
	p.shutdown = false
}

// Rent returns the socket at read-index if one is available, advancing
// the ring and decrementing free. Otherwise it reports Open=true,
// meaning the caller should open a fresh connection.
func (p *Pool) Rent() RentResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == 0 || p.capacity == 0 {
		return RentResult{Open: true}
	}

	fd := p.ring[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	p.free--
	return RentResult{Socket: fd}
}

// Return enqueues fd for reuse, unless the pool has been shut down or the
// ring is already full, in which case fd is closed instead.
func (p *Pool) Return(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown || p.capacity == 0 || p.free >= p.capacity {
		p.closeOne(fd)
		return
	}

	p.ring[p.writeIdx] = fd
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	p.free++
}

// Shutdown flips the shutdown flag and closes every socket currently
// enqueued. Subsequent Return calls close rather than enqueue.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shutdown = true
	p.drainLocked()
}

func (p *Pool) drainLocked() {
	for p.free > 0 {
		fd := p.ring[p.readIdx]
		p.readIdx = (p.readIdx + 1) % max1(p.capacity)
		p.free--
		p.closeOne(fd)
	}
}

func (p *Pool) closeOne(fd int) {
	if p.closeFn == nil {
		return
	}
	if err := p.closeFn(fd); err != nil {
		p.log.WithError(err).WithField("fd", fd).Warn("close on discarded socket failed")
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Stats reports the pool's current occupancy, for dashboards/metrics.
type Stats struct {
	Capacity int
	Free     int
	Shutdown bool
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Capacity: p.capacity, Free: p.free, Shutdown: p.shutdown}
}

func (s Stats) String() string {
	return fmt.Sprintf("connpool{free=%d/%d shutdown=%v}", s.Free, s.Capacity, s.Shutdown)
}
