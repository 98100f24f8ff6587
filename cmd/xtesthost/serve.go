package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/adapter/metrics"
	"github.com/trickstertwo/xtestbus/adapter/redisstream"
	"github.com/trickstertwo/xtestbus/internal/manifest"
	"github.com/trickstertwo/xtestbus/node"
	"github.com/trickstertwo/xtestbus/rpc"
)

type serveOptions struct {
	configFile  string
	clientHost  string
	clientPort  int
	pipe        string
	manifest    string
	formatter   string
	logLevel    string
	logConsole  bool
	metricsAddr string
	redisAddr   string
	redisStream string
}

func newServeCmd(o *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to a test client and serve manifest tests",
		Long: `Dial the client at --client-host/--client-port (or --pipe), complete the
initialize handshake and answer discoverTests/runTests from --manifest until
the client exits or the process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configFile, "config", "", "YAML host configuration file")
	f.StringVar(&o.clientHost, "client-host", "localhost", "Host the client listens on")
	f.IntVar(&o.clientPort, "client-port", 0, "Port the client listens on")
	f.StringVar(&o.pipe, "pipe", "", "Unix socket path the client listens on (instead of host/port)")
	f.StringVar(&o.manifest, "manifest", "", "YAML test manifest to serve")
	f.StringVar(&o.formatter, "formatter", rpc.FormatterJSON, "Message formatter (json or cbor)")
	f.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.BoolVar(&o.logConsole, "log-console", false, "Human-readable console logs")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&o.redisAddr, "redis-addr", "", "Mirror bus traffic to Redis Streams at this address")
	f.StringVar(&o.redisStream, "redis-stream", "", "Redis stream name for the mirror")
	return cmd
}

// resolve loads --config and applies every flag the user set on top of it.
func (o *serveOptions) resolve(cmd *cobra.Command) (HostConfig, error) {
	cfg, err := loadHostConfig(o.configFile)
	if err != nil {
		return cfg, err
	}
	set := cmd.Flags().Changed
	if set("client-host") {
		cfg.Client.Host = o.clientHost
	}
	if set("client-port") {
		cfg.Client.Port = o.clientPort
		cfg.Client.Pipe = ""
	}
	if set("pipe") {
		cfg.Client.Pipe = o.pipe
		cfg.Client.Port = 0
	}
	if set("manifest") {
		cfg.Manifest = o.manifest
	}
	if set("formatter") {
		cfg.Formatter = o.formatter
	}
	if set("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if set("log-console") {
		cfg.LogConsole = o.logConsole
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if set("redis-addr") || set("redis-stream") {
		if cfg.Redis == nil {
			cfg.Redis = map[string]any{}
		}
		if set("redis-addr") {
			cfg.Redis["addr"] = o.redisAddr
		}
		if set("redis-stream") {
			cfg.Redis["stream"] = o.redisStream
		}
	}
	return cfg, cfg.Validate()
}

// host answers the session's test requests from the manifest framework.
// Requests are served one at a time since the bridge tracks a single run.
type host struct {
	mu        sync.Mutex
	bus       *xtestbus.Bus
	bridge    *rpc.TestUpdatesBridge
	framework *manifest.Framework
	clock     xclock.Clock
	logger    *xlog.Logger
}

func (h *host) discover(ctx context.Context, req *rpc.Request) (rpc.Payload, error) {
	args, ok := req.Params.(rpc.DiscoverArgs)
	if !ok {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "discoverTests: unexpected params")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.bridge.BeginRun(args.RunID)
	defer h.bridge.EndRun()

	nodes, err := h.framework.Discover(ctx, nodeUIDs(args.Tests), args.Filter)
	if err != nil {
		return nil, err
	}
	if err := h.bus.Drain(ctx); err != nil {
		return nil, err
	}
	h.logger.Info().Str("run", args.RunID).Str("tests", fmt.Sprint(len(nodes))).Msg("xtesthost: discovery served")
	return rpc.Empty{}, nil
}

func (h *host) run(ctx context.Context, req *rpc.Request) (rpc.Payload, error) {
	args, ok := req.Params.(rpc.RunArgs)
	if !ok {
		return nil, rpc.NewRPCError(rpc.CodeInvalidParams, "runTests: unexpected params")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.bridge.BeginRun(args.RunID)
	defer h.bridge.EndRun()

	start := h.clock.Now()
	runErr := h.framework.Run(ctx, nodeUIDs(args.Tests), args.Filter)
	// The cancelled update still has to reach the client.
	if err := h.bus.Drain(context.WithoutCancel(ctx)); err != nil {
		return nil, errors.Join(runErr, err)
	}
	if runErr != nil {
		return nil, runErr
	}
	h.logger.Info().Str("run", args.RunID).Dur("elapsed", h.clock.Since(start)).Msg("xtesthost: run served")
	return rpc.Empty{}, nil
}

func nodeUIDs(nodes []*node.TestNode) []string {
	uids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			uids = append(uids, n.UID)
		}
	}
	return uids
}

// runServe wires logger, bus and session, then serves until the client exits
// or ctx ends. The bus is drained and disabled on the way out.
func runServe(ctx context.Context, cfg HostConfig, logger *xlog.Logger) (err error) {
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return err
	}
	formatter, err := rpc.NewFormatter(cfg.Formatter)
	if err != nil {
		return err
	}
	tname, tcfg := cfg.transport()
	transport, err := rpc.NewTransport(tname, tcfg)
	if err != nil {
		return err
	}

	caps := rpc.PassiveCapabilities()
	caps.SupportsDiscovery = true

	h := &host{clock: xclock.Default(), logger: logger}
	session := rpc.NewSession(transport,
		rpc.WithFormatter(formatter),
		rpc.WithLogger(logger),
		rpc.WithServerInfo("xtesthost", version),
		rpc.WithCapabilities(caps),
		rpc.WithHandler(rpc.MethodDiscoverTests, h.discover),
		rpc.WithHandler(rpc.MethodRunTests, h.run),
	)
	h.bridge = rpc.NewTestUpdatesBridge(session)

	bb := xtestbus.NewBusBuilder().
		WithLogger(logger).
		WithConfig(xtestbus.ConfigFromMap(cfg.Bus)).
		WithConsumer(h.bridge)
	if len(cfg.Redis) > 0 {
		bb.WithSink(redisstream.SinkName, cfg.Redis)
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		obs, err := metrics.NewObserver(reg)
		if err != nil {
			return err
		}
		bb.WithObserver(obs)
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	bus, err := bb.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if derr := bus.Disable(context.WithoutCancel(ctx)); derr != nil {
			logger.Warn().Err(derr).Msg("xtesthost: bus disable reported faults")
			if err == nil {
				err = derr
			}
		}
	}()

	h.bus = bus
	h.framework = manifest.NewFramework(m, bus, session.UID(), h.clock, logger)

	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Close()

	client := session.Client().ClientInfo
	logger.Info().Str("client", client.Name).Str("client_version", client.Version).Msg("xtesthost: session initialized")

	return session.Serve(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *xlog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("xtesthost: metrics server failed")
		}
	}()
	return srv
}
