// Package netsock provides uniform non-blocking socket primitives: setting
// non-blocking mode, deadline connect, best-effort chunked receive/send
// that distinguish would-block/interrupted/reset/fatal outcomes, address
// resolution, and the bounded-read loop that is the critical operation of
// the socket abstraction.
package netsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sphinx-search/searchd-core/internal/errs"
)

// Outcome classifies the result of one receive-chunk/send-chunk attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeWouldBlock
	OutcomeInterrupted
	OutcomeReset
	OutcomeFatal
)

// Waiter is the minimal readiness contract netsock needs from a poller:
// block until the given file descriptor becomes ready for the requested
// interest, or the deadline elapses. internal/poller.Poller satisfies
// this directly.
type Waiter interface {
	WaitFD(fd int, write bool, deadline time.Time) error
}

// SetNonBlocking puts a *net.TCPConn (or any syscall.Conn) into
// non-blocking mode and returns its raw file descriptor for use with a
// Waiter/poller.
func SetNonBlocking(c syscall.Conn) (fd int, err error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("netsock: SyscallConn: %w", err)
	}
	ctlErr := raw.Control(func(sysfd uintptr) {
		fd = int(sysfd)
		err = syscall.SetNonblock(fd, true)
	})
	if ctlErr != nil {
		return 0, fmt.Errorf("netsock: Control: %w", ctlErr)
	}
	if err != nil {
		return 0, fmt.Errorf("netsock: SetNonblock: %w", err)
	}
	return fd, nil
}

// Connect dials addr with an absolute deadline, returning the standard
// library connection already in non-blocking-aware use (callers read/
// write through ReceiveChunk/SendChunk, not conn.Read/Write, once the
// handshake completes).
func Connect(ctx context.Context, network, addr string, deadline time.Time) (net.Conn, error) {
	d := net.Dialer{}
	if !deadline.IsZero() {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errs.NewNet(errs.KindTimeoutConnect, "connect", err)
		}
		return nil, errs.NewNet(errs.KindAddressUnresolvable, "connect", err)
	}
	return conn, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReceiveChunk performs one best-effort, non-blocking read into dst,
// advancing the caller's understanding of progress via the returned byte
// count. It never blocks: a kernel buffer with nothing ready surfaces as
// OutcomeWouldBlock.
func ReceiveChunk(fd int, dst []byte) (int, Outcome, error) {
	n, err := syscall.Read(fd, dst)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EAGAIN):
			return 0, OutcomeWouldBlock, nil
		case errors.Is(err, syscall.EINTR):
			return 0, OutcomeInterrupted, nil
		case errors.Is(err, syscall.ECONNRESET):
			return 0, OutcomeReset, errs.NewNet(errs.KindConnectionReset, "recv", err)
		default:
			return 0, OutcomeFatal, errs.NewNet(errs.KindUnexpectedEOF, "recv", err)
		}
	}
	if n == 0 {
		return 0, OutcomeReset, errs.NewNet(errs.KindConnectionReset, "recv", syscall.ECONNRESET)
	}
	return n, OutcomeOK, nil
}

// SendChunk performs one best-effort, non-blocking write of src, with the
// same outcome contract as ReceiveChunk.
func SendChunk(fd int, src []byte) (int, Outcome, error) {
	n, err := syscall.Write(fd, src)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EAGAIN):
			return 0, OutcomeWouldBlock, nil
		case errors.Is(err, syscall.EINTR):
			return 0, OutcomeInterrupted, nil
		case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
			return 0, OutcomeReset, errs.NewNet(errs.KindConnectionReset, "send", err)
		default:
			return 0, OutcomeFatal, errs.NewNet(errs.KindUnexpectedEOF, "send", err)
		}
	}
	return n, OutcomeOK, nil
}

// Resolve resolves host to a single IPv4 address, warning (via the
// returned bool) when multiple A records exist and the first is chosen.
func Resolve(host string, strictIP bool) (ip string, multipleRecords bool, err error) {
	if strictIP {
		if net.ParseIP(host) != nil {
			return host, false, nil
		}
		return "", false, errs.NewNet(errs.KindAddressUnresolvable, "resolve", fmt.Errorf("%q is not a literal IP", host))
	}

	addrs, lookupErr := net.LookupIP(host)
	if lookupErr != nil {
		return "", false, errs.NewNet(errs.KindAddressUnresolvable, "resolve", lookupErr)
	}

	var first string
	count := 0
	for _, a := range addrs {
		v4 := a.To4()
		if v4 == nil {
			continue
		}
		count++
		if first == "" {
			first = v4.String()
		}
	}
	if first == "" {
		return "", false, errs.NewNet(errs.KindAddressUnresolvable, "resolve", fmt.Errorf("no A record for %q", host))
	}
	return first, count > 1, nil
}

// ReadFull performs the bounded-read operation from §4.1: it reads
// exactly len(dst) bytes from fd using w for readiness, honoring the
// deadline and the interruptible flag.
//
// On each iteration: compute the remaining time budget; wait for
// readiness with that budget (fail KindTimeoutQuery on expiry); on a
// spurious interrupt while !interruptible, retry the wait; on readiness,
// call ReceiveChunk; a zero-byte read fails KindConnectionReset. After
// any partial progress the interruptible flag is cleared, so a signal
// cannot cause partial-buffer loss on a later iteration.
func ReadFull(w Waiter, fd int, dst []byte, deadline time.Time, interruptible bool) error {
	total := 0
	for total < len(dst) {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errs.NewNet(errs.KindTimeoutQuery, "read-full", fmt.Errorf("deadline exceeded with %d/%d bytes", total, len(dst)))
		}

		if err := w.WaitFD(fd, false, deadline); err != nil {
			if errs.KindOf(err) == errs.KindInterrupted && !interruptible {
				continue
			}
			return err
		}

		n, outcome, err := ReceiveChunk(fd, dst[total:])
		switch outcome {
		case OutcomeOK:
			total += n
			if n > 0 {
				interruptible = false
			}
		case OutcomeWouldBlock:
			continue
		case OutcomeInterrupted:
			if !interruptible {
				continue
			}
			return errs.NewNet(errs.KindInterrupted, "read-full", nil)
		case OutcomeReset, OutcomeFatal:
			return err
		}
	}
	return nil
}
