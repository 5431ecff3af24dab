package tcpplane

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/wanglonggod/ConnectTool12/internal/flow"
	"github.com/wanglonggod/ConnectTool12/internal/mux"
)

// Metrics is the subset of internal/metrics.Collector the listener reports
// newly accepted flows to. Defined here rather than imported so tcpplane
// has no dependency on Prometheus, mirroring internal/mux.Metrics.
type Metrics interface {
	FlowOpened()
}

type noopMetrics struct{}

func (noopMetrics) FlowOpened() {}

// Listener is the client-side TCP plane (spec.md section 4.4): it binds
// the fixed well-known port, accepts connections indefinitely, and for
// each accepted socket generates a flow-id, inserts it into the table,
// and starts the socket's read loop.
type Listener struct {
	table   *flow.Table
	gen     *flow.Generator
	handler mux.LocalHandler
	logger  *slog.Logger
	metrics Metrics
}

// ListenerOption configures a Listener at construction.
type ListenerOption func(*Listener)

// WithListenerLogger attaches a structured logger.
func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(ln *Listener) {
		if l != nil {
			ln.logger = l
		}
	}
}

// WithListenerMetrics attaches a Metrics reporter. If m is nil, the no-op
// reporter already installed by NewListener is left in place.
func WithListenerMetrics(m Metrics) ListenerOption {
	return func(ln *Listener) {
		if m != nil {
			ln.metrics = m
		}
	}
}

// NewListener constructs a Listener over table, allocating ids via gen
// and feeding accepted connections to handler.
func NewListener(table *flow.Table, gen *flow.Generator, handler mux.LocalHandler, opts ...ListenerOption) *Listener {
	l := &Listener{table: table, gen: gen, handler: handler, logger: slog.Default(), metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run binds addr and accepts connections until ctx is done or Accept
// fails permanently. Blocks; callers run it in its own goroutine.
func (l *Listener) Run(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	l.logger.Info("tcp listener started", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error("accept failed", "err", err)
			return err
		}

		c := NewConn(conn)
		id, err := l.table.GenerateAndAdd(l.gen, c)
		if err != nil {
			l.logger.Error("generate flow id", "err", err)
			_ = c.Close()
			continue
		}

		l.metrics.FlowOpened()
		l.logger.Debug("accepted connection", "flow", id.String(), "remote", conn.RemoteAddr())
		go ReadLoop(ctx, id, c, l.handler)
	}
}
