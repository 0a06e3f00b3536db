// Package agent implements the per-query agent connection state machine
// described in §4.6: a single outstanding remote call against one mirror
// of a group, progressing through connecting/healthy/retry states driven
// by the poller and by timeout callbacks, with blackhole short-circuit
// and persistent-socket reuse.
package agent

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sphinx-search/searchd-core/internal/codec"
	"github.com/sphinx-search/searchd-core/internal/connpool"
	"github.com/sphinx-search/searchd-core/internal/dashboard"
	"github.com/sphinx-search/searchd-core/internal/errs"
	"github.com/sphinx-search/searchd-core/internal/netsock"
	"github.com/sphinx-search/searchd-core/internal/wire"
)

// State is one of the three agent connection states from §4.6.
type State int

const (
	StateConnecting State = iota
	StateHealthy
	StateRetry
	stateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateRetry:
		return "retry"
	default:
		return "done"
	}
}

// Config holds the per-call tunables: timeouts, retry budget, and the
// delay between successive retries.
type Config struct {
	ConnectTimeout      time.Duration
	QueryTimeout        time.Duration
	Retries             int
	DelayBetweenRetries time.Duration
	MaxPacketSize       uint32
}

// Request is the outbound command: a command tag plus a pre-encoded
// body. Callers build Body with internal/codec.Output before calling Run.
type Request struct {
	Command wire.Command
	Version uint16
	Body    []byte
}

// Reply is the parsed response returned to the caller on success.
type Reply struct {
	Status wire.Status
	Body   []byte
}

// Reporter receives the terminal outcome of one agent call.
type Reporter interface {
	ReportSuccess(callID uuid.UUID, mirror *dashboard.Mirror, reply Reply)
	ReportFailure(callID uuid.UUID, mirror *dashboard.Mirror, err error)
}

// PoolSource resolves the persistent connection pool for a mirror, if it
// has one. Returning nil means the mirror is not persistent.
type PoolSource func(m *dashboard.Mirror) *connpool.Pool

// Connection is one agent connection: it owns a raw, non-blocking socket
// for the lifetime of a single query (or a reused persistent one) and
// drives it through the state machine to a terminal success or failure.
// All I/O goes through internal/netsock so the same would-block/
// interrupted/reset discrimination and poller-driven waits apply
// regardless of whether the socket was freshly dialed or rented from a
// persistent pool.
type Connection struct {
	ID uuid.UUID

	group  *dashboard.Group
	pools  PoolSource
	waiter netsock.Waiter
	cfg    Config
	rep    Reporter
	log    *logrus.Entry

	state            State
	mirrorIdx        int
	retriesRemaining int
	replyStatus      wire.Status

	fd    int
	open  bool
	fresh bool // true when the socket was just opened and needs a handshake
}

// NewConnection creates an agent connection against group, reporting
// through rep and waiting on readiness via waiter (normally a
// *poller.Poller).
func NewConnection(group *dashboard.Group, pools PoolSource, waiter netsock.Waiter, cfg Config, rep Reporter, log *logrus.Entry) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Connection{
		ID:               uuid.New(),
		group:            group,
		pools:            pools,
		waiter:           waiter,
		cfg:              cfg,
		rep:              rep,
		log:              log.WithField("component", "agent"),
		retriesRemaining: cfg.Retries,
	}
}

// Run drives the connection through the full state machine for one
// query, retrying against fresh mirror picks until success, a terminal
// failure, or ctx is cancelled.
func (c *Connection) Run(ctx context.Context, req Request) {
	c.mirrorIdx = c.group.Choose()
	if c.mirrorIdx < 0 {
		c.rep.ReportFailure(c.ID, nil, fmt.Errorf("agent: mirror group is empty"))
		return
	}
	c.state = StateConnecting

	for {
		select {
		case <-ctx.Done():
			c.rep.ReportFailure(c.ID, c.mirror(), ctx.Err())
			return
		default:
		}

		err := c.attempt(ctx, req)
		if err == nil {
			return // terminal success or blackhole short-circuit already reported
		}

		if c.state != StateRetry {
			c.rep.ReportFailure(c.ID, c.mirror(), err)
			return
		}

		c.retriesRemaining--
		if c.retriesRemaining <= 0 {
			c.rep.ReportFailure(c.ID, c.mirror(), fmt.Errorf("agent: retries exhausted: %w", err))
			return
		}

		c.log.WithFields(logrus.Fields{
			"call_id": c.ID,
			"mirror":  c.mirror().Host,
			"error":   err,
		}).Warn("agent call failed, retrying")

		time.Sleep(c.cfg.DelayBetweenRetries)
		c.mirrorIdx = c.group.Choose()
		c.state = StateConnecting
	}
}

func (c *Connection) mirror() *dashboard.Mirror {
	mirrors := c.group.Mirrors()
	if c.mirrorIdx < 0 || c.mirrorIdx >= len(mirrors) {
		return nil
	}
	return mirrors[c.mirrorIdx]
}

// attempt runs one connecting->healthy(->retry) cycle against the
// current mirror. A nil return means the call is fully resolved
// (success or blackhole short-circuit already reported); a non-nil
// return with c.state == StateRetry means the caller should retry
// against a fresh mirror pick.
func (c *Connection) attempt(ctx context.Context, req Request) error {
	m := c.mirror()
	connectStart := time.Now()

	if err := c.openSocket(ctx, m); err != nil {
		m.Dashboard.Record(dashboard.Counters{TimeoutsConnect: 1}, time.Since(connectStart), 1, 0)
		c.state = StateRetry
		return err
	}
	c.state = StateHealthy

	connectMs := uint64(time.Since(connectStart).Milliseconds())
	m.Dashboard.Record(dashboard.Counters{}, 0, 1, connectMs)

	if c.fresh {
		if err := c.handshake(); err != nil {
			c.closeSocket()
			m.Dashboard.Record(dashboard.Counters{NetworkErrors: 1}, 0, 0, 0)
			c.state = StateRetry
			return err
		}
	}

	sendStart := time.Now()
	if err := c.sendRequest(req); err != nil {
		c.closeSocket() // framing indeterminate after a failed send, never returned to pool
		c.classifySendFailure(m, err)
		c.state = StateRetry
		return err
	}

	if m.Blackhole {
		m.Dashboard.Record(dashboard.Counters{CleanSuccesses: 1}, time.Since(sendStart), 0, 0)
		c.closeSocket()
		c.rep.ReportSuccess(c.ID, m, Reply{Status: wire.StatusOK})
		return nil
	}

	reply, err := c.receiveReply()
	if err != nil {
		c.closeSocket()
		c.classifyReceiveFailure(m, err)
		if _, ok := err.(*errs.ProtocolError); ok {
			c.state = stateDone // protocol errors surface immediately, never retried
			return err
		}
		c.state = StateRetry
		return err
	}

	m.Dashboard.Record(dashboard.Counters{CleanSuccesses: 1}, time.Since(sendStart), 0, 0)
	if m.Persistent {
		if pool := c.poolFor(m); pool != nil {
			pool.Return(c.fd)
			c.open = false
		} else {
			c.closeSocket()
		}
	} else {
		c.closeSocket()
	}

	c.rep.ReportSuccess(c.ID, m, reply)
	return nil
}

func (c *Connection) poolFor(m *dashboard.Mirror) *connpool.Pool {
	if c.pools == nil {
		return nil
	}
	return c.pools(m)
}

// openSocket tries a persistent-pool rent first; on a miss it dials a
// fresh socket (attempting TCP fast-open), then detaches its raw,
// non-blocking file descriptor for direct use with netsock/poller —
// newly rented sockets skip the handshake, freshly opened ones perform
// it, per §4.6.
func (c *Connection) openSocket(ctx context.Context, m *dashboard.Mirror) error {
	if m.Persistent {
		if pool := c.poolFor(m); pool != nil {
			if r := pool.Rent(); !r.Open {
				c.fd = r.Socket
				c.fresh = false
				c.open = true
				return nil
			}
		}
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	d := dialerWithFastOpen()
	d.Deadline = deadline

	conn, err := d.DialContext(ctx, "tcp", m.Host)
	if err != nil {
		return errs.NewNet(errs.KindTimeoutConnect, "agent-connect", err)
	}

	fd, err := detachFD(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return errs.NewNet(errs.KindAddressUnresolvable, "agent-connect-nonblock", err)
	}

	c.fd = fd
	c.fresh = true
	c.open = true
	return nil
}

// detachFD duplicates conn's underlying file descriptor and closes conn,
// so the caller owns a bare fd with no *net.Conn finalizer racing to
// close it out from under a pooled reuse later.
func detachFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("agent: connection type %T does not expose a raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("agent: SyscallConn: %w", err)
	}
	var dupFD int
	var dupErr error
	ctlErr := raw.Control(func(fd uintptr) {
		dupFD, dupErr = syscall.Dup(int(fd))
	})
	conn.Close()
	if ctlErr != nil {
		return 0, fmt.Errorf("agent: Control: %w", ctlErr)
	}
	if dupErr != nil {
		return 0, fmt.Errorf("agent: dup: %w", dupErr)
	}
	return dupFD, nil
}

func (c *Connection) closeSocket() {
	if !c.open {
		return
	}
	syscall.Close(c.fd)
	c.open = false
}

// handshake sends the 4-byte protocol handshake magic on a freshly opened
// (never rented) socket; no reply is read. Rented persistent sockets skip
// this entirely.
func (c *Connection) handshake() error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	return c.sendBytes(wire.HandshakeMagic[:], deadline)
}

func (c *Connection) sendBytes(data []byte, deadline time.Time) error {
	sent := 0
	for sent < len(data) {
		n, outcome, err := netsock.SendChunk(c.fd, data[sent:])
		switch outcome {
		case netsock.OutcomeOK:
			sent += n
		case netsock.OutcomeWouldBlock:
			if werr := c.waiter.WaitFD(c.fd, true, deadline); werr != nil {
				return werr
			}
		case netsock.OutcomeInterrupted:
			continue
		default:
			return err
		}
	}
	return nil
}

func (c *Connection) sendRequest(req Request) error {
	var out codec.Output
	out.WriteU16(uint16(req.Command))
	out.WriteU16(req.Version)
	out.WriteU32(uint32(len(req.Body)))

	// The body follows the header as raw bytes, with no second length prefix.
	deadline := time.Now().Add(c.cfg.QueryTimeout)
	return c.sendBytes(append(out.Bytes(), req.Body...), deadline)
}

func (c *Connection) receiveReply() (Reply, error) {
	deadline := time.Now().Add(c.cfg.QueryTimeout)

	header := make([]byte, wire.HeaderSize)
	if err := netsock.ReadFull(c.waiter, c.fd, header, deadline, false); err != nil {
		return Reply{}, err
	}

	in := codec.NewInput(header)
	status := in.ReadU16()
	_ = in.ReadU16() // version
	bodyLen := in.ReadU32()
	if in.Err() != nil {
		return Reply{}, in.Err()
	}
	if c.cfg.MaxPacketSize > 0 && bodyLen > c.cfg.MaxPacketSize {
		return Reply{}, errs.NewProtocol(errs.KindOversizedPacket, fmt.Sprintf("reply body %d exceeds max %d", bodyLen, c.cfg.MaxPacketSize))
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if err := netsock.ReadFull(c.waiter, c.fd, body, deadline, false); err != nil {
			return Reply{}, err
		}
	}

	return Reply{Status: wire.Status(status), Body: body}, nil
}

func (c *Connection) classifySendFailure(m *dashboard.Mirror, err error) {
	switch errs.KindOf(err) {
	case errs.KindTimeoutQuery:
		m.Dashboard.Record(dashboard.Counters{TimeoutsQuery: 1}, 0, 0, 0)
	default:
		m.Dashboard.Record(dashboard.Counters{NetworkErrors: 1}, 0, 0, 0)
	}
}

func (c *Connection) classifyReceiveFailure(m *dashboard.Mirror, err error) {
	switch errs.KindOf(err) {
	case errs.KindTimeoutQuery:
		m.Dashboard.Record(dashboard.Counters{TimeoutsQuery: 1}, 0, 0, 0)
	case errs.KindConnectionReset:
		m.Dashboard.Record(dashboard.Counters{UnexpectedClose: 1}, 0, 0, 0)
	default:
		m.Dashboard.Record(dashboard.Counters{NetworkErrors: 1}, 0, 0, 0)
	}
}
