// Package tunnel implements the supervisor (spec.md component C6): it
// wires the flow table, multiplex engine, overlay adapter, and TCP plane
// together and owns their combined lifecycle.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wanglonggod/ConnectTool12/internal/flow"
	"github.com/wanglonggod/ConnectTool12/internal/mux"
	"github.com/wanglonggod/ConnectTool12/internal/overlay"
	"github.com/wanglonggod/ConnectTool12/internal/tcpplane"
)

// Status is a snapshot of the supervisor's runtime state, served by the
// control API (SPEC_FULL.md section 4.9).
type Status struct {
	OverlayUp bool
	IsHost    bool
	LocalPort int
	FlowCount int
}

// Supervisor owns the six components' combined lifecycle: start in order
// flow table -> engine -> overlay adapter pump -> TCP plane; stop in
// reverse (spec.md section 4.6).
type Supervisor struct {
	table    *flow.Table
	role     *mux.RoleConfig
	engine   *mux.Engine
	adapter  *overlay.Adapter
	listener *tcpplane.Listener

	listenAddr string
	logger     *slog.Logger

	overlayUp atomic.Bool
}

// New constructs a Supervisor from its already-built components. Wiring
// them together (engine needs a Sender/Dialer, adapter needs a
// FrameHandler, listener needs a LocalHandler) is the caller's
// responsibility -- see cmd/tunneld, which is the canonical wiring site.
func New(
	table *flow.Table,
	role *mux.RoleConfig,
	engine *mux.Engine,
	adapter *overlay.Adapter,
	listener *tcpplane.Listener,
	listenAddr string,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		table:      table,
		role:       role,
		engine:     engine,
		adapter:    adapter,
		listener:   listener,
		listenAddr: listenAddr,
		logger:     logger,
	}
}

// overlayTracker wraps mux.Engine's overlay status callbacks so the
// supervisor can answer Status() queries without the engine exposing its
// internal state directly.
type overlayTracker struct {
	*mux.Engine
	sup *Supervisor
}

func (o overlayTracker) OnOverlayUp() {
	o.sup.overlayUp.Store(true)
	o.Engine.OnOverlayUp()
}

func (o overlayTracker) OnOverlayDown() {
	o.sup.overlayUp.Store(false)
	o.Engine.OnOverlayDown()
}

// Run starts the overlay pump and the TCP listener concurrently under a
// cancellable context derived from ctx, and blocks until both have
// stopped (by ctx cancellation or an unrecoverable error in either),
// then drains the flow table and closes every remaining endpoint.
//
// Per spec.md section 4.6, this is "stop accepting new TCP; stop overlay
// pump; drain flow table (closing endpoints)" -- errgroup's shared
// context collapses the first two steps into one cancellation signal,
// and the explicit Drain below is the third.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.adapter.Run(gctx, overlayTracker{Engine: s.engine, sup: s})
		if err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return s.listener.Run(gctx, s.listenAddr)
	})

	runErr := g.Wait()

	endpoints := s.table.Drain()
	for _, ep := range endpoints {
		_ = ep.Close()
	}
	s.logger.Info("supervisor stopped", "drained_flows", len(endpoints))

	return runErr
}

// Status returns a snapshot for the control API.
func (s *Supervisor) Status() Status {
	return Status{
		OverlayUp: s.overlayUp.Load(),
		IsHost:    s.role.IsHost(),
		LocalPort: s.role.LocalPort(),
		FlowCount: s.table.Len(),
	}
}

// SetLocalPort updates the runtime-mutable dial target.
func (s *Supervisor) SetLocalPort(port int) {
	s.role.SetLocalPort(port)
}

// SetRole updates host/client. Per spec.md section 9, already-dialed
// flows are unaffected.
func (s *Supervisor) SetRole(isHost bool) {
	s.role.SetHost(isHost)
}
