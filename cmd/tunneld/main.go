// tunneld -- peer-to-peer TCP tunnel multiplexer daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wanglonggod/ConnectTool12/internal/config"
	"github.com/wanglonggod/ConnectTool12/internal/controlapi"
	"github.com/wanglonggod/ConnectTool12/internal/flow"
	tunnelmetrics "github.com/wanglonggod/ConnectTool12/internal/metrics"
	"github.com/wanglonggod/ConnectTool12/internal/mux"
	"github.com/wanglonggod/ConnectTool12/internal/overlay"
	"github.com/wanglonggod/ConnectTool12/internal/tcpplane"
	"github.com/wanglonggod/ConnectTool12/internal/tunnel"
	appversion "github.com/wanglonggod/ConnectTool12/internal/version"
)

// shutdownTimeout bounds how long the control/metrics HTTP servers get to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	roleFlag := flag.String("role", "", `override role from config/env: "host" or "client"`)
	localPortFlag := flag.Int("local-port", -1, "override local_port from config/env")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	if err := applyFlagOverrides(cfg, *roleFlag, *localPortFlag); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid flag override",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tunneld starting",
		slog.String("version", appversion.Version),
		slog.String("role", string(cfg.Role)),
		slog.String("control_addr", cfg.Control.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := tunnelmetrics.NewCollector(reg)

	sup, overlayCloser, err := buildSupervisor(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to build supervisor", slog.String("error", err.Error()))
		return 1
	}
	defer overlayCloser()

	if err := runDaemon(cfg, sup, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("tunneld exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("tunneld stopped")
	return 0
}

// buildSupervisor wires the six-component stack (flow table, engine,
// overlay adapter, TCP plane) into a tunnel.Supervisor. The returned
// closer releases the overlay transport's listening socket, if any,
// once the daemon has stopped.
func buildSupervisor(cfg *config.Config, collector *tunnelmetrics.Collector, logger *slog.Logger) (*tunnel.Supervisor, func(), error) {
	transport, closer, err := newOverlayTransport(cfg.Overlay, logger)
	if err != nil {
		return nil, func() {}, fmt.Errorf("build overlay transport: %w", err)
	}

	table := flow.NewTable()
	gen := flow.NewGenerator()
	role := mux.NewRoleConfig(cfg.Role == config.RoleHost, cfg.LocalPort)

	adapter := overlay.NewAdapter(transport,
		overlay.WithAdapterLogger(logger),
		overlay.WithAdapterMetrics(collector),
	)

	engine := mux.NewEngine(table, adapter, nil, role,
		mux.WithMetrics(collector),
		mux.WithLogger(logger),
	)
	// Wired for either starting role: the control API can switch a client
	// to host at runtime, and the engine only dials while the role is host.
	engine.SetDialer(tcpplane.NewHostDialer(engine, logger))

	listener := tcpplane.NewListener(table, gen, engine,
		tcpplane.WithListenerLogger(logger),
		tcpplane.WithListenerMetrics(collector),
	)

	sup := tunnel.New(table, role, engine, adapter, listener, cfg.ListenAddr, logger)
	return sup, closer, nil
}

// newOverlayTransport builds the overlay.Transport binding selected by
// cfg.Mode (spec.md component C12).
func newOverlayTransport(cfg config.OverlayConfig, logger *slog.Logger) (overlay.Transport, func(), error) {
	switch cfg.Mode {
	case "loopback":
		a, _ := overlay.NewLoopbackPair()
		return a, func() {}, nil

	case "tcp-pipe":
		if cfg.DialAddr != "" {
			conn, err := net.Dial("tcp", cfg.DialAddr)
			if err != nil {
				return nil, func() {}, fmt.Errorf("dial overlay peer %s: %w", cfg.DialAddr, err)
			}
			return overlay.NewTCPPipe(conn), func() { _ = conn.Close() }, nil
		}
		if cfg.ListenAddr != "" {
			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return nil, func() {}, fmt.Errorf("listen for overlay peer on %s: %w", cfg.ListenAddr, err)
			}
			logger.Info("waiting for overlay peer", slog.String("addr", cfg.ListenAddr))
			conn, err := ln.Accept()
			if err != nil {
				_ = ln.Close()
				return nil, func() {}, fmt.Errorf("accept overlay peer: %w", err)
			}
			return overlay.NewTCPPipe(conn), func() { _ = conn.Close(); _ = ln.Close() }, nil
		}
		return nil, func() {}, errors.New("overlay.mode=tcp-pipe requires dial_addr or listen_addr")

	default:
		return nil, func() {}, fmt.Errorf("unrecognized overlay.mode %q", cfg.Mode)
	}
}

// runDaemon starts the supervisor, control API, and metrics endpoint
// concurrently under a signal-aware context, and blocks until they stop.
func runDaemon(
	cfg *config.Config,
	sup *tunnel.Supervisor,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	controlSrv := newControlServer(cfg.Control, sup, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("control api listening", slog.String("addr", cfg.Control.Addr))
		return listenAndServe(gctx, &lc, controlSrv, cfg.Control.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gctx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gctx.Done()
		return gracefulShutdown(gctx, logger, controlSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded", slog.String("old_log_level", oldLevel.String()), slog.String("new_log_level", newLevel.String()))
		}
	}
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	router := http.NewServeMux()
	router.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
}

func newControlServer(cfg config.ControlConfig, sup *tunnel.Supervisor, logger *slog.Logger) *http.Server {
	srv := controlapi.New(sup, logger)
	return &http.Server{Addr: cfg.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
}

// applyFlagOverrides applies the `-role`/`-local-port` CLI flags on top of
// the loaded file/env configuration (SPEC_FULL.md section 4.7: "also
// exposed as CLI flags on tunneld for quick manual runs, overriding the
// file/env values"). An empty role and a negative local port mean the
// flag was not passed, matching flag's own zero-value-means-unset
// convention and mux.RoleConfig's "zero or negative means unconfigured"
// convention for local_port.
func applyFlagOverrides(cfg *config.Config, role string, localPort int) error {
	if role != "" {
		switch role {
		case string(config.RoleHost), string(config.RoleClient):
			cfg.Role = config.Role(role)
		default:
			return fmt.Errorf("%w: got %q", config.ErrInvalidRole, role)
		}
	}
	if localPort >= 0 {
		cfg.LocalPort = localPort
	}
	return config.Validate(cfg)
}

func loadConfig(path string) (*config.Config, error) {
	// config.Load accepts an empty path: defaults plus TUNNEL_ env overrides.
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %q: %w", path, err)
	}
	return cfg, nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
