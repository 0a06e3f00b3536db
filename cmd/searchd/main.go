// Command searchd is the network-serving core of the search daemon: it
// wires the listener multiplexor, the persistent agent/mirror-group
// dispatch path, and the shared index registry together and runs them
// until signalled to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sphinx-search/searchd-core/internal/agent"
	"github.com/sphinx-search/searchd-core/internal/codec"
	"github.com/sphinx-search/searchd-core/internal/config"
	"github.com/sphinx-search/searchd-core/internal/connpool"
	"github.com/sphinx-search/searchd-core/internal/dashboard"
	"github.com/sphinx-search/searchd-core/internal/listener"
	"github.com/sphinx-search/searchd-core/internal/logging"
	"github.com/sphinx-search/searchd-core/internal/netsock"
	"github.com/sphinx-search/searchd-core/internal/poller"
	"github.com/sphinx-search/searchd-core/internal/queryexec"
	"github.com/sphinx-search/searchd-core/internal/registry"
	"github.com/sphinx-search/searchd-core/internal/wire"
	"github.com/sphinx-search/searchd-core/internal/workerpool"
)

var (
	app = kingpin.New("searchd", "Network-serving core of the search daemon.")

	configFile = app.Flag("config", "Path to a YAML/TOML/JSON config file.").String()
	listenFlag = app.Flag("listen", "Additional listener spec, per the grammar in internal/wire (repeatable).").Strings()
	logLevel   = app.Flag("log-level", "Logging level: debug, info, warn, error.").Default("info").String()
	logJSON    = app.Flag("log-json", "Emit JSON log lines instead of text.").Bool()
	metricsAddr = app.Flag("metrics-listen", "Address to serve Prometheus metrics on.").Default(":9313").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	flagSource := viper.New()
	if *logLevel != "" {
		flagSource.Set("log_level", *logLevel)
	}
	if *logJSON {
		flagSource.Set("log_json", true)
	}
	if len(*listenFlag) > 0 {
		flagSource.Set("listen", *listenFlag)
	}

	sources := []config.Source{config.ViperSource{V: flagSource}}
	if *configFile != "" {
		fileSource := viper.New()
		fileSource.SetConfigFile(*configFile)
		if err := fileSource.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "searchd: read config file: %v\n", err)
			os.Exit(1)
		}
		sources = append([]config.Source{config.ViperSource{V: fileSource}}, sources...)
	}

	cfg, err := config.Load(sources...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "searchd: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	root := logging.Component(log, "main")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, root); err != nil {
		root.WithError(err).Error("searchd exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	metricsReg := prometheus.NewRegistry()

	p, err := poller.New()
	if err != nil {
		return fmt.Errorf("searchd: create poller: %w", err)
	}
	defer p.Close()

	idxRegistry := registry.New()
	dashboards := config.NewDashboardRegistry(metricsReg)
	groups := config.BuildGroups(cfg.Groups, dashboards)
	groupsByName := make(map[string]*dashboard.Group, len(groups))
	for i, spec := range cfg.Groups {
		groupsByName[spec.Name] = groups[i]
		groups[i].StartPinger(func(m *dashboard.Mirror) (dashboard.Counters, time.Duration) {
			return pingMirror(m, cfg)
		})
		defer groups[i].StopPinger()
	}

	pools := newPersistentPools(groups, cfg.PersistentPoolSize, log)

	workers := workerpool.New(workerpool.Config{MaxConcurrency: cfg.MaxConcurrency}, logging.Component(log.Logger, "workerpool"))
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("searchd: start worker pool: %w", err)
	}

	handlerDeps := &requestHandler{
		cfg:      cfg,
		log:      logging.Component(log.Logger, "handler"),
		poller:   p,
		registry: idxRegistry,
		groups:   groupsByName,
		pools:    pools,
	}

	handlers := map[wire.Protocol]listener.Handler{
		wire.ProtoLegacyBinary: handlerDeps.handleLegacyBinary,
	}
	mux := listener.New(cfg.Listeners, handlers, workers, logging.Component(log.Logger, "listener"))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return mux.Run(gctx) })
	group.Go(func() error { return runMetricsServer(gctx, cfg.MetricsOn, *metricsAddr, metricsReg, log) })
	group.Go(func() error {
		<-gctx.Done()
		return workers.Stop()
	})

	return group.Wait()
}

// newPersistentPools builds one connpool.Pool per persistent mirror,
// keyed by host, shared across the groups that reference that host —
// mirroring the way config.DashboardRegistry shares one Dashboard per
// host instead of one per mirror entry.
func newPersistentPools(groups []*dashboard.Group, capacity int, log *logrus.Entry) agent.PoolSource {
	var mu sync.Mutex
	byHost := make(map[string]*connpool.Pool)

	get := func(host string) *connpool.Pool {
		mu.Lock()
		defer mu.Unlock()
		if pool, ok := byHost[host]; ok {
			return pool
		}
		pool := connpool.New(capacity, func(fd int) error { return syscall.Close(fd) }, log)
		byHost[host] = pool
		return pool
	}

	return func(m *dashboard.Mirror) *connpool.Pool {
		if !m.Persistent {
			return nil
		}
		return get(m.Host)
	}
}

func pingMirror(m *dashboard.Mirror, cfg config.Config) (dashboard.Counters, time.Duration) {
	start := time.Now()
	conn, err := netsock.Connect(context.Background(), "tcp", m.Host, start.Add(cfg.ConnectTimeout))
	if err != nil {
		return dashboard.Counters{TimeoutsConnect: 1}, time.Since(start)
	}
	conn.Close()
	return dashboard.Counters{CleanSuccesses: 1}, time.Since(start)
}

func runMetricsServer(ctx context.Context, enabled bool, addr string, reg *prometheus.Registry, log *logrus.Entry) error {
	if !enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("searchd: metrics server: %w", err)
		}
		return nil
	}
}

// requestHandler answers one accepted connection's framed requests: it
// consults the registry for a local index executor, or falls back to a
// configured mirror group dispatched through an agent.Connection.
type requestHandler struct {
	cfg      config.Config
	log      *logrus.Entry
	poller   *poller.Poller
	registry *registry.Registry
	groups   map[string]*dashboard.Group
	pools    agent.PoolSource
}

// handleLegacyBinary answers one connection's requests until the client
// disconnects or the request exceeds the configured packet size. It
// implements the control flow from the daemon overview: read a framed
// envelope via the codec, consult the registry for the target index,
// answer locally or dispatch a remote agent connection, then write a
// framed response back.
func (h *requestHandler) handleLegacyBinary(ctx context.Context, conn net.Conn, proto wire.Protocol) error {
	fd, err := netsock.SetNonBlocking(conn.(syscall.Conn))
	if err != nil {
		return fmt.Errorf("handler: set non-blocking: %w", err)
	}

	// Protocol detection peeked the connection's leading bytes through a
	// bufio.Reader before handing it off here; drain whatever it already
	// pulled out of the kernel buffer so the raw-fd reads below don't
	// silently skip past it.
	var prefix []byte
	if bp, ok := conn.(interface{ DrainBuffered() []byte }); ok {
		prefix = bp.DrainBuffered()
	}

	// The connection opens with the 4-byte handshake magic that protocol
	// detection matched; it precedes the first request header.
	magic := make([]byte, len(wire.HandshakeMagic))
	if err := h.readFull(fd, magic, &prefix, time.Now().Add(h.cfg.QueryTimeout)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		req, err := h.readRequest(fd, &prefix)
		if err != nil {
			return err // includes a clean EOF once the client disconnects
		}

		resp := h.dispatch(ctx, req)

		if err := h.writeReply(fd, resp); err != nil {
			return fmt.Errorf("handler: write reply: %w", err)
		}
	}
}

type rawRequest struct {
	header wire.RequestHeader
	body   []byte
}

func (h *requestHandler) readRequest(fd int, prefix *[]byte) (rawRequest, error) {
	deadline := time.Now().Add(h.cfg.QueryTimeout)

	hdr := make([]byte, wire.HeaderSize)
	if err := h.readFull(fd, hdr, prefix, deadline); err != nil {
		return rawRequest{}, err
	}

	in := codec.NewInput(hdr)
	header := wire.RequestHeader{
		Command: wire.Command(in.ReadU16()),
		Version: in.ReadU16(),
		BodyLen: in.ReadU32(),
	}
	if err := in.Err(); err != nil {
		return rawRequest{}, fmt.Errorf("handler: decode header: %w", err)
	}
	if header.BodyLen > h.cfg.MaxPacketSize {
		return rawRequest{}, fmt.Errorf("handler: body length %d exceeds max packet size %d", header.BodyLen, h.cfg.MaxPacketSize)
	}

	body := make([]byte, header.BodyLen)
	if len(body) > 0 {
		if err := h.readFull(fd, body, prefix, deadline); err != nil {
			return rawRequest{}, err
		}
	}

	return rawRequest{header: header, body: body}, nil
}

// readFull fills dst from whatever's left in prefix first, then from the
// raw fd for the remainder, so bytes already pulled off the wire during
// protocol detection are consumed exactly once.
func (h *requestHandler) readFull(fd int, dst []byte, prefix *[]byte, deadline time.Time) error {
	n := copy(dst, *prefix)
	*prefix = (*prefix)[n:]
	if n == len(dst) {
		return nil
	}
	return netsock.ReadFull(h.poller, fd, dst[n:], deadline, true)
}

func (h *requestHandler) writeReply(fd int, reply agent.Reply) error {
	out := &codec.Output{}
	out.WriteU16(uint16(reply.Status))
	out.WriteU16(0)
	out.WriteU32(uint32(len(reply.Body)))
	// The body follows the header as raw bytes, with no second length prefix.
	for _, b := range reply.Body {
		out.WriteU8(b)
	}

	netOut := &codec.NetOutput{Output: *out, FD: fd, W: h.poller}
	return netOut.Flush(time.Now().Add(h.cfg.QueryTimeout))
}

// dispatch resolves the target index (the "default" index, absent a
// query parser to extract one from the request body) against a local
// executor registered in the shared registry, falling back to the
// "default" mirror group for a remote dispatch; a request matching
// neither is answered with a status=error reply.
func (h *requestHandler) dispatch(ctx context.Context, req rawRequest) agent.Reply {
	if req.header.Command == wire.CmdPing {
		return agent.Reply{Status: wire.StatusOK}
	}

	if ref, ok := h.registry.Get("default"); ok {
		defer ref.Release()
		if exec, ok := ref.Index.(queryexec.Executor); ok {
			return h.executeLocal(ctx, ref, exec, req)
		}
	}

	if group, ok := h.groups["default"]; ok {
		return h.executeRemote(ctx, group, req)
	}

	return agent.Reply{Status: wire.StatusError, Body: []byte("no local or remote index named \"default\"")}
}

func (h *requestHandler) executeLocal(ctx context.Context, ref registry.Ref, exec queryexec.Executor, req rawRequest) agent.Reply {
	start := time.Now()
	rs, err := exec.Execute(ctx, queryexec.Request{Index: ref.Name, Raw: string(req.body)})
	if ref.Stats != nil {
		ref.Stats.Record(uint64(len(rs.Rows)), time.Since(start))
	}
	if err != nil {
		return agent.Reply{Status: wire.StatusError, Body: []byte(err.Error())}
	}
	return agent.Reply{Status: wire.StatusOK, Body: encodeResultSet(rs)}
}

func (h *requestHandler) executeRemote(ctx context.Context, group *dashboard.Group, req rawRequest) agent.Reply {
	rep := newSyncReporter()
	conn := agent.NewConnection(group, h.pools, h.poller, agent.Config{
		ConnectTimeout:      h.cfg.ConnectTimeout,
		QueryTimeout:        h.cfg.QueryTimeout,
		Retries:             group.Retries(),
		DelayBetweenRetries: h.cfg.DelayBetweenRetries,
		MaxPacketSize:       h.cfg.MaxPacketSize,
	}, rep, h.log)

	conn.Run(ctx, agent.Request{Command: req.header.Command, Version: req.header.Version, Body: req.body})
	reply, err := rep.wait()
	if err != nil {
		return agent.Reply{Status: wire.StatusError, Body: []byte(err.Error())}
	}
	return reply
}

// encodeResultSet renders a ResultSet as a row count followed by every
// cell as a length-prefixed string; a full binary result-set wire format
// with per-column typing belongs to the ranker/result-serializer this
// core treats as out of scope.
func encodeResultSet(rs queryexec.ResultSet) []byte {
	out := &codec.Output{}
	out.WriteU32(uint32(len(rs.Rows)))
	for _, row := range rs.Rows {
		for _, col := range row {
			out.WriteString(fmt.Sprintf("%v", col))
		}
	}
	return out.Bytes()
}

// syncReporter adapts agent.Reporter's callback style to a single
// blocking wait, since the handler dispatches one remote call per
// incoming request and needs its terminal outcome synchronously.
type syncReporter struct {
	done  chan struct{}
	reply agent.Reply
	err   error
}

func newSyncReporter() *syncReporter { return &syncReporter{done: make(chan struct{})} }

func (r *syncReporter) ReportSuccess(id uuid.UUID, m *dashboard.Mirror, reply agent.Reply) {
	r.reply = reply
	close(r.done)
}

func (r *syncReporter) ReportFailure(id uuid.UUID, m *dashboard.Mirror, err error) {
	r.err = err
	close(r.done)
}

func (r *syncReporter) wait() (agent.Reply, error) {
	<-r.done
	return r.reply, r.err
}
