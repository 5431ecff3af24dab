// Package mux implements the multiplex engine (spec.md component C3): the
// per-flow state machine, dispatch of inbound frames, emission of outbound
// frames, and on-demand TCP dialing on the host side.
package mux

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wanglonggod/ConnectTool12/internal/flow"
	"github.com/wanglonggod/ConnectTool12/internal/frame"
)

// Sender is the engine's outbound edge to the overlay: encode here, send
// there. Satisfied by *overlay.Adapter.
type Sender interface {
	Send(blob []byte) error
}

// Dialer is the engine's on-demand host-side connection edge. Satisfied by
// *tcpplane.HostDialer. DialAndServe both opens the TCP connection and
// starts its read loop feeding the same LocalHandler the client-side
// listener feeds, per spec.md section 4.4 ("starts its read loop
// identically to the listener's accepted sockets").
type Dialer interface {
	DialAndServe(id frame.ID, port int) (flow.Endpoint, error)
}

// LocalHandler is the engine's inbound edge from the TCP plane. Both the
// client-side listener and the host-side dialer's read loops call back
// through this interface -- *Engine implements it.
type LocalHandler interface {
	OnLocalBytes(id frame.ID, data []byte)
	OnLocalClose(id frame.ID, reason error)
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMetrics attaches a Metrics reporter. If m is nil, the no-op reporter
// already installed by NewEngine is left in place.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger attaches a structured logger. If l is nil, the default
// installed by NewEngine is left in place.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is the multiplex engine: owns the flow table and reacts to the
// four edges described in spec.md section 4.3.
type Engine struct {
	table  *flow.Table
	sender Sender
	dialer Dialer
	role   *RoleConfig

	metrics Metrics
	logger  *slog.Logger

	dial      singleflight.Group
	pendingMu sync.Mutex
	pending   map[frame.ID][][]byte
}

// NewEngine constructs an Engine. sender must be non-nil. dialer may be
// nil for a client-only peer, or when the dialer's own construction
// needs the engine as its LocalHandler first (see SetDialer). role
// configures host/client behavior and may be mutated live by callers
// holding the same *RoleConfig (the control API).
func NewEngine(table *flow.Table, sender Sender, dialer Dialer, role *RoleConfig, opts ...Option) *Engine {
	e := &Engine{
		table:   table,
		sender:  sender,
		dialer:  dialer,
		role:    role,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		pending: make(map[frame.ID][][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDialer resolves the construction-order cycle between an Engine and
// a host-side Dialer whose read loops need the Engine as their
// LocalHandler: build the Engine with a nil dialer, build the Dialer
// against it, then call SetDialer before Run starts. Safe without
// additional synchronization because e.dialer is only ever read from
// onDataFrame, which the single overlay-pump goroutine reaches through
// OnFrame -- by the time that goroutine exists, wiring has completed.
func (e *Engine) SetDialer(dialer Dialer) {
	e.dialer = dialer
}

// OnLocalBytes implements LocalHandler: a local TCP socket produced bytes
// for flow id. Per spec.md section 4.3, a flow not present in the table is
// already closed; bytes for it are dropped silently (the TCP plane's read
// loop will observe the endpoint closed shortly and stop on its own).
func (e *Engine) OnLocalBytes(id frame.ID, data []byte) {
	if !e.table.Has(id) {
		return
	}

	result := ApplyEvent(StateOpen, EventLocalBytes)
	for _, action := range result.Actions {
		if action == ActionEmitData {
			e.emitFrame(id, frame.Data, data)
		}
	}
}

// OnLocalClose implements LocalHandler: a local TCP socket hit EOF or an
// I/O error. Removes and closes the flow exactly once and, if the overlay
// is up, emits exactly one CLOSE frame.
func (e *Engine) OnLocalClose(id frame.ID, reason error) {
	if !e.table.RemoveAndClose(id) {
		return // already closed by another trigger (overlay-down, CLOSE-in)
	}

	e.metrics.FlowClosed()
	e.logger.Debug("local close", "flow", id.String(), "reason", reason)

	result := ApplyEvent(StateOpen, EventLocalClose)
	for _, action := range result.Actions {
		if action == ActionEmitClose {
			e.emitFrame(id, frame.Close, nil)
		}
	}
}

// OnFrame implements overlay.FrameHandler: a frame arrived from the
// overlay adapter, already decoded.
func (e *Engine) OnFrame(f frame.Frame) {
	e.metrics.FrameReceived(f.Type)

	switch f.Type {
	case frame.Data:
		e.onDataFrame(f.ID, f.Payload)
	case frame.Close:
		if len(f.Payload) > 0 {
			e.logger.Warn("discarding payload on CLOSE frame", "flow", f.ID.String(), "bytes", len(f.Payload))
		}
		e.onCloseFrame(f.ID)
	default:
		e.logger.Warn("dropping frame with unrecognized type", "flow", f.ID.String(), "type", uint32(f.Type))
	}
}

func (e *Engine) onDataFrame(id frame.ID, payload []byte) {
	if len(payload) > 0 {
		e.metrics.BytesReceived(len(payload))
	}

	if ep, ok := e.table.Get(id); ok {
		result := ApplyEvent(StateOpen, EventDataFrame)
		for _, action := range result.Actions {
			if action == ActionWriteEndpoint {
				// Runs synchronously on the overlay pump: a blocked ep.Write
				// here stalls delivery for every other flow-id until it
				// returns. Preserves the per-flow ordering invariant, so
				// left as is rather than handed to a per-flow writer goroutine.
				if err := ep.Write(payload); err != nil {
					e.OnLocalClose(id, err)
				}
			}
		}
		return
	}

	if !e.role.IsHost() {
		e.logger.Debug("no flow for id, dropping", "flow", id.String())
		return
	}

	port := e.role.LocalPort()
	if port <= 0 {
		e.logger.Debug("no flow for id and no local port configured, dropping", "flow", id.String())
		return
	}

	e.queueForDial(id, port, payload)
}

func (e *Engine) onCloseFrame(id frame.ID) {
	// No frame is echoed back for an inbound CLOSE, per spec.md section 4.3.
	if e.table.RemoveAndClose(id) {
		e.metrics.FlowClosed()
	}
}

// OnOverlayUp implements overlay.FrameHandler: the engine resumes
// accepting new flows. It does not resurrect any previously closed flow.
func (e *Engine) OnOverlayUp() {
	e.logger.Info("overlay up")
}

// OnOverlayDown implements overlay.FrameHandler: drains the flow table and
// closes every endpoint. No CLOSE frames are emitted since the transport
// that would carry them is gone.
func (e *Engine) OnOverlayDown() {
	e.logger.Warn("overlay down, draining flow table")

	endpoints := e.table.Drain()
	for _, ep := range endpoints {
		_ = ep.Close()
		e.metrics.FlowClosed()
	}
}

// emitFrame encodes and sends a frame, logging and dropping on send
// failure (an overlay send failure is treated as a drop, not a flow
// teardown trigger -- OverlayDown is reported separately via the status
// channel).
func (e *Engine) emitFrame(id frame.ID, typ frame.Type, payload []byte) {
	wire, err := frame.Encode(nil, id, typ, payload)
	if err != nil {
		e.logger.Error("encode frame", "flow", id.String(), "err", err)
		return
	}

	if err := e.sender.Send(wire); err != nil {
		e.logger.Debug("send frame dropped, overlay likely down", "flow", id.String(), "type", typ, "err", err)
		return
	}

	e.metrics.FrameSent(typ)
	if typ == frame.Data {
		e.metrics.BytesSent(len(payload))
	}
}

// queueForDial implements the dial-coalescing policy of spec.md section
// 4.3: at most one dial attempt per id is in flight; this and every
// subsequent DATA frame for the same unresolved id queue behind it in
// arrival order. Only the first caller for a fresh id spawns the awaiting
// goroutine; later callers just append and return, since OnFrame is
// invoked sequentially by a single overlay pump goroutine (see
// internal/overlay.Adapter) -- there is never more than one awaiter to
// coordinate per id. singleflight.Group still guards DialAndServe itself
// against a second independent trigger path reaching the same id.
func (e *Engine) queueForDial(id frame.ID, port int, payload []byte) {
	e.pendingMu.Lock()
	_, inFlight := e.pending[id]
	e.pending[id] = append(e.pending[id], payload)
	e.pendingMu.Unlock()

	if inFlight {
		return
	}

	ch := e.dial.DoChan(id.String(), func() (any, error) {
		return e.dialer.DialAndServe(id, port)
	})
	go e.awaitDial(id, ch)
}

func (e *Engine) awaitDial(id frame.ID, ch <-chan singleflight.Result) {
	res := <-ch

	if res.Err != nil {
		e.metrics.DialFailure()
		e.logger.Warn("dial failed, dropping queued frames", "flow", id.String(), "err", res.Err)
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
		return
	}

	ep, ok := res.Val.(flow.Endpoint)
	if !ok {
		e.logger.Error("dialer returned unexpected type", "flow", id.String())
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
		return
	}

	e.publishEndpoint(id, ep)
}

// publishEndpoint flushes every payload queued for id to ep in arrival
// order, then adds ep to the table in the very same pendingMu critical
// section that empties the queue. Until that section runs, the table has
// no entry for id, so onDataFrame routes every arriving frame through
// queueForDial and it queues behind the ones already waiting; once the
// section runs, the queue is provably empty and the table entry appears
// atomically with that fact, so a frame arriving a moment later takes the
// direct table.Get/ep.Write path only after every earlier frame has
// already been written. This closes the ordering race that existed when
// Add ran before the queue was fully drained: a frame taking the direct
// path could previously reach ep.Write before a still-queued, earlier
// frame did.
func (e *Engine) publishEndpoint(id frame.ID, ep flow.Endpoint) {
	for {
		e.pendingMu.Lock()
		q := e.pending[id]
		if len(q) == 0 {
			err := e.table.Add(id, ep)
			delete(e.pending, id)
			e.pendingMu.Unlock()
			if err != nil {
				e.logger.Error("duplicate flow id after dial", "flow", id.String(), "err", err)
				_ = ep.Close()
				return
			}
			e.metrics.FlowOpened()
			return
		}
		next := q[0]
		e.pending[id] = q[1:]
		e.pendingMu.Unlock()

		if err := ep.Write(next); err != nil {
			e.logger.Warn("dial-queue flush failed, dropping flow before publish", "flow", id.String(), "err", fmt.Errorf("flush queued write: %w", err))
			_ = ep.Close()
			e.pendingMu.Lock()
			delete(e.pending, id)
			e.pendingMu.Unlock()
			return
		}
	}
}
