//go:build linux

// Package poller implements the level-triggered readiness multiplexer:
// add/remove/change interest for a set of file descriptors, wait with an
// absolute deadline, and iterate ready events as (fd, readiness-mask)
// pairs. It is backed by epoll (golang.org/x/sys/unix), the mechanism this
// host platform actually exercises; the contract is defined so a poll(2)
// or kqueue backend could be swapped in behind it without touching
// callers, per the design notes on hiding the platform split.
package poller

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sphinx-search/searchd-core/internal/errs"
)

// Interest is a bitmask of readiness a caller wants reported for a
// descriptor.
type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Readiness is a bitmask of what became ready, reported as a subset of
// {read, write, hup, err, pri}.
type Readiness uint32

const (
	ReadyRead Readiness = 1 << iota
	ReadyWrite
	ReadyHup
	ReadyErr
	ReadyPri
)

func (r Readiness) Read() bool  { return r&ReadyRead != 0 }
func (r Readiness) Write() bool { return r&ReadyWrite != 0 }
func (r Readiness) Hup() bool   { return r&ReadyHup != 0 }
func (r Readiness) Err() bool   { return r&ReadyErr != 0 }

// Event pairs a ready file descriptor with its readiness mask.
type Event struct {
	FD        int
	Readiness Readiness
}

// Poller is a level-triggered epoll wrapper with a self-pipe wakeup event,
// so another goroutine can interrupt a blocked Wait with bounded latency.
type Poller struct {
	epfd int

	mu     sync.Mutex
	wakeR  int
	wakeW  int
	closed bool
}

// New creates a Poller backed by a fresh epoll instance and an internal
// wakeup pipe registered for read interest.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("poller: pipe2: %w", err)
	}

	p := &Poller{epfd: epfd, wakeR: fds[0], wakeW: fds[1]}
	if err := p.add(p.wakeR, InterestRead); err != nil {
		unix.Close(epfd)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return p, nil
}

func toEpollEvents(in Interest) uint32 {
	var ev uint32
	if in&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if in&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, interest Interest) error { return p.add(fd, interest) }

func (p *Poller) add(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("poller: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Change updates fd's interest set.
func (p *Poller) Change(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready or deadline
// elapses, returning the ready events directly. Concurrent callers each
// get their own slice from their own EpollWait call, so this is safe to
// call from many goroutines sharing one Poller. The internal wakeup
// event, if it fired, is drained here and excluded from the returned
// events.
func (p *Poller) Wait(deadline time.Time) ([]Event, error) {
	timeoutMs := -1
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timeoutMs = int(remaining / time.Millisecond)
		if timeoutMs == 0 {
			timeoutMs = 1
		}
	}

	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		events = append(events, Event{FD: fd, Readiness: fromEpollEvents(raw[i].Events)})
	}
	return events, nil
}

func fromEpollEvents(ev uint32) Readiness {
	var r Readiness
	if ev&unix.EPOLLIN != 0 {
		r |= ReadyRead
	}
	if ev&unix.EPOLLOUT != 0 {
		r |= ReadyWrite
	}
	if ev&unix.EPOLLHUP != 0 || ev&unix.EPOLLRDHUP != 0 {
		r |= ReadyHup
	}
	if ev&unix.EPOLLERR != 0 {
		r |= ReadyErr
	}
	if ev&unix.EPOLLPRI != 0 {
		r |= ReadyPri
	}
	return r
}

func (p *Poller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wake unblocks a goroutine currently parked in Wait, with bounded
// latency, by writing one byte to the internal wakeup pipe.
func (p *Poller) Wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("poller: wake: %w", err)
	}
	return nil
}

// Close releases the epoll instance and the wakeup pipe.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.epfd)
}

// WaitFD blocks until fd becomes ready for the requested direction or the
// deadline elapses, satisfying netsock.Waiter. It temporarily registers
// fd's interest for the duration of the wait.
func (p *Poller) WaitFD(fd int, write bool, deadline time.Time) error {
	interest := InterestRead
	if write {
		interest = InterestWrite
	}
	if err := p.add(fd, interest); err != nil {
		// Already registered is fine; fall through to Change.
		if cerr := p.Change(fd, interest); cerr != nil {
			return cerr
		}
	}
	defer p.Remove(fd)

	for {
		events, err := p.Wait(deadline)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return errs.NewNet(errs.KindTimeoutQuery, "wait-fd", nil)
			}
			continue
		}
		for _, ev := range events {
			if ev.FD != fd {
				continue
			}
			if ev.Readiness.Hup() || ev.Readiness.Err() {
				return errs.NewNet(errs.KindConnectionReset, "wait-fd", nil)
			}
			if write && ev.Readiness.Write() {
				return nil
			}
			if !write && ev.Readiness.Read() {
				return nil
			}
		}
	}
}
