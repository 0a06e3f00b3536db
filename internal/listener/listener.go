// Package listener implements the Listener Multiplexor (§4.8): one
// accept loop per configured endpoint, protocol detection by declared
// tag or magic prefix, and dispatch of each accepted connection to a
// per-protocol handler task.
package listener

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sphinx-search/searchd-core/internal/wire"
	"github.com/sphinx-search/searchd-core/internal/workerpool"
)

// Handler processes one accepted connection already classified as proto.
// The Multiplexor closes conn once the handler returns.
type Handler func(ctx context.Context, conn net.Conn, proto wire.Protocol) error

// Multiplexor owns the full set of configured listen endpoints and
// dispatches each accepted connection to the handler registered for its
// detected protocol.
type Multiplexor struct {
	endpoints []wire.Endpoint
	handlers  map[wire.Protocol]Handler
	pool      *workerpool.Pool
	log       *logrus.Entry
}

// New builds a Multiplexor over endpoints, dispatching accepted
// connections through pool to the handler registered per protocol.
func New(endpoints []wire.Endpoint, handlers map[wire.Protocol]Handler, pool *workerpool.Pool, log *logrus.Entry) *Multiplexor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Multiplexor{endpoints: endpoints, handlers: handlers, pool: pool, log: log.WithField("component", "listener")}
}

// Run starts one accept loop per endpoint (per port, for a port range)
// under an errgroup.Group, so the first fatal listener error cancels
// every other loop. It blocks until ctx is cancelled or a loop fails.
func (m *Multiplexor) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, ep := range m.endpoints {
		for _, addr := range addresses(ep) {
			ep, addr := ep, addr
			ln, err := listenOn(ep, addr)
			if err != nil {
				return fmt.Errorf("listener: listen on %s: %w", addr, err)
			}
			m.log.WithFields(logrus.Fields{"addr": addr, "protocol": ep.Protocol}).Info("listening")

			group.Go(func() error {
				return m.acceptLoop(gctx, ln, ep)
			})
			group.Go(func() error {
				<-gctx.Done()
				return ln.Close()
			})
		}
	}

	return group.Wait()
}

func addresses(ep wire.Endpoint) []string {
	switch ep.Kind {
	case wire.EndpointPath:
		return []string{ep.Path}
	case wire.EndpointPortOnly:
		return []string{fmt.Sprintf(":%d", ep.Port)}
	case wire.EndpointAddrPort:
		return []string{fmt.Sprintf("%s:%d", ep.Address, ep.Port)}
	case wire.EndpointPortRange:
		addrs := make([]string, 0, ep.PortCount)
		for p := ep.PortStart; p < ep.PortStart+ep.PortCount; p++ {
			addrs = append(addrs, fmt.Sprintf("%s:%d", ep.Address, p))
		}
		return addrs
	default:
		return nil
	}
}

func listenOn(ep wire.Endpoint, addr string) (net.Listener, error) {
	if ep.Kind == wire.EndpointPath {
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}

func (m *Multiplexor) acceptLoop(ctx context.Context, ln net.Listener, ep wire.Endpoint) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // listener closed as part of shutdown, not a failure
			default:
			}
			return fmt.Errorf("listener: accept on %s: %w", ln.Addr(), err)
		}

		proto, br, err := m.detectProtocol(conn, ep)
		if err != nil {
			m.log.WithError(err).Warn("protocol detection failed, dropping connection")
			conn.Close()
			continue
		}

		handler, ok := m.handlers[proto]
		if !ok {
			m.log.WithField("protocol", proto).Warn("no handler registered for protocol, dropping connection")
			conn.Close()
			continue
		}

		wrapped := wrapBuffered(conn, br)
		if err := m.pool.Submit(func(ctx context.Context) error {
			defer wrapped.Close()
			return handler(ctx, wrapped, proto)
		}); err != nil {
			m.log.WithError(err).Warn("failed to submit connection to worker pool")
			wrapped.Close()
		}
	}
}

// detectProtocol resolves the protocol for a freshly accepted
// connection: a non-default declared tag on the endpoint wins outright;
// otherwise the first four bytes are peeked for the legacy binary
// handshake magic, falling back to MySQL wire protocol when absent.
func (m *Multiplexor) detectProtocol(conn net.Conn, ep wire.Endpoint) (wire.Protocol, *bufio.Reader, error) {
	if ep.Protocol != wire.ProtoLegacyBinary {
		return ep.Protocol, bufio.NewReader(conn), nil
	}

	br := bufio.NewReader(conn)
	magic, err := br.Peek(4)
	if err != nil {
		return "", nil, fmt.Errorf("peek handshake magic: %w", err)
	}

	if string(magic) == string(wire.HandshakeMagic[:]) {
		return wire.ProtoLegacyBinary, br, nil
	}
	return wire.ProtoMySQLWire, br, nil
}

// bufferedConn lets a Handler read through the bufio.Reader used for
// protocol-detection peeking while still writing and closing the
// underlying net.Conn directly.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func wrapBuffered(conn net.Conn, br *bufio.Reader) net.Conn {
	return &bufferedConn{Conn: conn, br: br}
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.br.Read(p) }

// DrainBuffered returns and consumes every byte protocol detection
// already pulled out of the kernel socket buffer via Peek, so a caller
// that switches to raw-fd reads after handing off the connection
// doesn't silently drop them. Safe to call any number of times; once
// drained it returns nil.
func (b *bufferedConn) DrainBuffered() []byte {
	n := b.br.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	b.br.Read(buf)
	return buf
}

// SyscallConn forwards to the underlying net.Conn's syscall.Conn
// implementation. Embedding net.Conn as an interface field does not
// promote SyscallConn (it lives on the separate syscall.Conn interface),
// so without this method a type assertion to syscall.Conn against a
// *bufferedConn always fails.
func (b *bufferedConn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := b.Conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("listener: underlying conn %T does not support SyscallConn", b.Conn)
	}
	return sc.SyscallConn()
}
