//go:build linux

package agent

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sphinx-search/searchd-core/internal/codec"
	"github.com/sphinx-search/searchd-core/internal/connpool"
	"github.com/sphinx-search/searchd-core/internal/dashboard"
	"github.com/sphinx-search/searchd-core/internal/poller"
	"github.com/sphinx-search/searchd-core/internal/wire"
)

type capturingReporter struct {
	mu      sync.Mutex
	success *Reply
	mirror  *dashboard.Mirror
	failure error
}

func (r *capturingReporter) ReportSuccess(id uuid.UUID, m *dashboard.Mirror, reply Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := reply
	r.success = &cp
	r.mirror = m
}

func (r *capturingReporter) ReportFailure(id uuid.UUID, m *dashboard.Mirror, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
	r.mirror = m
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := syscall.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}
	return fds[0], fds[1]
}

func newTestGroup(clientFD int, blackhole bool) (*dashboard.Group, *connpool.Pool) {
	pool := connpool.New(1, func(fd int) error { return syscall.Close(fd) }, nil)
	pool.Return(clientFD)

	mirror := &dashboard.Mirror{
		Host:       "unix-test-mirror",
		Dashboard:  dashboard.New("unix-test-mirror", nil),
		Blackhole:  blackhole,
		Persistent: true,
	}
	group := dashboard.NewGroup([]*dashboard.Mirror{mirror}, dashboard.StrategyRandom, 2)
	return group, pool
}

func TestBlackholeReportsSuccessWithoutReply(t *testing.T) {
	clientFD, serverFD := socketpair(t)
	defer syscall.Close(serverFD)

	group, pool := newTestGroup(clientFD, true)
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New: %v", err)
	}
	defer p.Close()

	rep := &capturingReporter{}
	cfg := Config{ConnectTimeout: time.Second, QueryTimeout: time.Second, Retries: 1, DelayBetweenRetries: 10 * time.Millisecond}
	conn := NewConnection(group, func(*dashboard.Mirror) *connpool.Pool { return pool }, p, cfg, rep, nil)

	conn.Run(context.Background(), Request{Command: wire.CmdSearch, Body: []byte("q")})

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.failure != nil {
		t.Fatalf("expected success, got failure: %v", rep.failure)
	}
	if rep.success == nil || rep.success.Status != wire.StatusOK {
		t.Fatalf("expected StatusOK success, got %+v", rep.success)
	}
}

func TestPersistentReplyReturnsSocketToPool(t *testing.T) {
	clientFD, serverFD := socketpair(t)
	defer syscall.Close(serverFD)

	group, pool := newTestGroup(clientFD, false)
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New: %v", err)
	}
	defer p.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		// Drain the request header+body from the client.
		buf := make([]byte, 256)
		for {
			n, err := syscall.Read(serverFD, buf)
			if n > 0 {
				break
			}
			if err != nil && err != syscall.EAGAIN {
				return
			}
			time.Sleep(time.Millisecond)
		}

		body := []byte("ok!")
		var out codec.Output
		out.WriteU16(uint16(wire.StatusOK))
		out.WriteU16(0)
		out.WriteU32(uint32(len(body)))
		reply := append(out.Bytes(), body...)
		// The reply body follows the header as raw bytes sized by the
		// header's own length field, with no nested length prefix.
		total := 0
		for total < len(reply) {
			n, werr := syscall.Write(serverFD, reply[total:])
			if werr != nil && werr != syscall.EAGAIN {
				return
			}
			total += n
		}
	}()

	rep := &capturingReporter{}
	cfg := Config{ConnectTimeout: time.Second, QueryTimeout: time.Second, Retries: 1, DelayBetweenRetries: 10 * time.Millisecond}
	conn := NewConnection(group, func(*dashboard.Mirror) *connpool.Pool { return pool }, p, cfg, rep, nil)

	conn.Run(context.Background(), Request{Command: wire.CmdSearch, Body: []byte("q")})
	<-serverDone

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.failure != nil {
		t.Fatalf("expected success, got failure: %v", rep.failure)
	}
	if rep.success == nil {
		t.Fatalf("expected a successful reply")
	}

	r := pool.Rent()
	if r.Open || r.Socket != clientFD {
		t.Fatalf("expected persistent socket %d returned to pool, got %+v", clientFD, r)
	}
}
