package codec

import (
	"time"

	"github.com/sphinx-search/searchd-core/internal/netsock"
)

// NetOutput wraps an Output with a socket so Flush can drain it under a
// deadline, honoring would-block via the poller and interrupted via
// retry, and recording a sticky error on any other failure.
type NetOutput struct {
	Output
	FD  int
	W   netsock.Waiter
	err error
}

// Flush commits any open deferred lengths and writes every chunk to the
// socket, retrying on would-block by waiting for write readiness.
func (n *NetOutput) Flush(deadline time.Time) error {
	if n.err != nil {
		return n.err
	}

	chunks, err := n.ToScatterGather()
	if err != nil {
		n.err = err
		return err
	}

	for _, chunk := range chunks {
		if err := n.sendAll(chunk, deadline); err != nil {
			n.err = err
			return err
		}
	}

	n.Reset()
	return nil
}

func (n *NetOutput) sendAll(data []byte, deadline time.Time) error {
	sent := 0
	for sent < len(data) {
		m, outcome, err := netsock.SendChunk(n.FD, data[sent:])
		switch outcome {
		case netsock.OutcomeOK:
			sent += m
		case netsock.OutcomeWouldBlock:
			if werr := n.W.WaitFD(n.FD, true, deadline); werr != nil {
				return werr
			}
		case netsock.OutcomeInterrupted:
			continue
		case netsock.OutcomeReset, netsock.OutcomeFatal:
			return err
		}
	}
	return nil
}

// NetInput wraps a socket and an internally grown byte buffer, acquiring
// additional bytes on demand via Read.
type NetInput struct {
	FD            int
	W             netsock.Waiter
	buf           []byte
	err           error
	MaxPacketSize uint32
}

// Read acquires n additional bytes from the socket, either appending to
// the existing buffer or replacing it, under deadline with the given
// interruptible semantics. Sticky error is set on timeout or short read.
func (ni *NetInput) Read(n int, deadline time.Time, interruptible bool, append bool) error {
	if ni.err != nil {
		return ni.err
	}

	var dst []byte
	if append {
		start := len(ni.buf)
		ni.buf = growBuf(ni.buf, start+n)
		dst = ni.buf[start : start+n]
	} else {
		ni.buf = growBuf(ni.buf[:0], n)
		dst = ni.buf[:n]
	}

	if err := netsock.ReadFull(ni.W, ni.FD, dst, deadline, interruptible); err != nil {
		ni.err = err
		return err
	}
	return nil
}

func growBuf(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	grown := make([]byte, n)
	copy(grown, buf)
	return grown
}

// AsInput exposes the bytes accumulated so far as an Input reader bound
// by MaxPacketSize.
func (ni *NetInput) AsInput() *Input {
	in := NewInput(ni.buf)
	in.MaxPacketSize = ni.MaxPacketSize
	return in
}

// Err returns the sticky error, if any Read has failed.
func (ni *NetInput) Err() error { return ni.err }

// Reset clears the accumulated buffer and sticky error for reuse.
func (ni *NetInput) Reset() {
	ni.buf = ni.buf[:0]
	ni.err = nil
}
