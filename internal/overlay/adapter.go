package overlay

import (
	"context"
	"log/slog"

	"github.com/wanglonggod/ConnectTool12/internal/frame"
)

// FrameHandler is the Adapter's consumer -- *mux.Engine implements it
// structurally. Defined here rather than imported from internal/mux so
// that overlay has no dependency on mux, matching the one-directional
// wiring spec.md section 9 recommends (break cyclic ownership by giving
// each side only the narrow interface it needs).
type FrameHandler interface {
	OnFrame(f frame.Frame)
	OnOverlayUp()
	OnOverlayDown()
}

// Metrics is the subset of internal/metrics.Collector the adapter reports
// overlay connectivity to.
type Metrics interface {
	OverlayUp(up bool)
}

type noopMetrics struct{}

func (noopMetrics) OverlayUp(bool) {}

// Adapter is the overlay adapter (spec.md component C5): it runs the pump
// that reads frames off a Transport and forwards them to a FrameHandler,
// and is itself the engine's Sender (encode happens in the engine; Adapter
// just forwards the already-encoded blob).
//
// Per spec.md section 9's recommended single-reactor collapse, the pump
// is one goroutine blocking on Transport.Recv -- there is no 1ms poll
// loop; Go's blocking I/O plus a dedicated goroutine is the direct
// translation of "invoke receive() every <=1ms" into an event-driven
// design.
type Adapter struct {
	transport Transport
	logger    *slog.Logger
	metrics   Metrics
}

// AdapterOption configures an Adapter at construction.
type AdapterOption func(*Adapter)

// WithAdapterLogger attaches a structured logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAdapterMetrics attaches a Metrics reporter.
func WithAdapterMetrics(m Metrics) AdapterOption {
	return func(a *Adapter) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewAdapter wraps transport.
func NewAdapter(transport Transport, opts ...AdapterOption) *Adapter {
	a := &Adapter{transport: transport, logger: slog.Default(), metrics: noopMetrics{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Send implements mux.Sender: forwards an already-encoded frame to the
// transport.
func (a *Adapter) Send(blob []byte) error {
	return a.transport.Send(context.Background(), blob)
}

// Run drives the pump until ctx is done or the transport fails
// permanently. It decodes inbound blobs and forwards them to handler, and
// translates status events to OnOverlayUp/OnOverlayDown. Run blocks;
// callers run it in its own goroutine.
func (a *Adapter) Run(ctx context.Context, handler FrameHandler) error {
	done := make(chan struct{})
	defer close(done)

	// Transport.Recv blocks on the underlying connection and only honors
	// ctx when the transport itself checks a deadline or close signal; to
	// guarantee Run returns promptly on ctx cancellation regardless of
	// transport implementation, close the transport when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			_ = a.transport.Close()
		case <-done:
		}
	}()

	go a.pumpEvents(done, handler)

	for {
		blob, err := a.transport.Recv(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			a.logger.Warn("overlay recv failed", "err", err)
			return err
		}

		f, err := frame.Decode(blob)
		if err != nil {
			a.logger.Warn("dropping undecodable overlay blob", "err", err)
			continue
		}

		handler.OnFrame(f)
	}
}

func (a *Adapter) pumpEvents(done <-chan struct{}, handler FrameHandler) {
	events := a.transport.Events()
	for {
		select {
		case <-done:
			return
		case status, ok := <-events:
			if !ok {
				return
			}
			switch status {
			case StatusConnected:
				a.metrics.OverlayUp(true)
				handler.OnOverlayUp()
			case StatusClosedByPeer, StatusProblemDetectedLocally:
				a.metrics.OverlayUp(false)
				handler.OnOverlayDown()
			case StatusConnecting:
				a.logger.Debug("overlay connecting")
			}
		}
	}
}
