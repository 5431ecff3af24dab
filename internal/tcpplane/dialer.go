package tcpplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/wanglonggod/ConnectTool12/internal/flow"
	"github.com/wanglonggod/ConnectTool12/internal/frame"
	"github.com/wanglonggod/ConnectTool12/internal/mux"
)

// dialTimeout bounds the host-side on-demand dial so a dead local service
// fails the engine's dial decision promptly rather than hanging the
// per-id dial goroutine indefinitely.
const dialTimeout = 5 * time.Second

// HostDialer implements mux.Dialer: on-demand connection to the local
// service the host forwards to, identified by port.
type HostDialer struct {
	handler mux.LocalHandler
	logger  *slog.Logger
}

// NewHostDialer constructs a HostDialer whose dialed connections' read
// loops feed handler -- the same LocalHandler the client-side Listener
// feeds, per spec.md section 4.4.
func NewHostDialer(handler mux.LocalHandler, logger *slog.Logger) *HostDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostDialer{handler: handler, logger: logger}
}

// DialAndServe implements mux.Dialer.
func (d *HostDialer) DialAndServe(id frame.ID, port int) (flow.Endpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var dialer net.Dialer
	target := fmt.Sprintf("127.0.0.1:%d", port)

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("tcpplane: dial %s: %w", target, err)
	}

	c := NewConn(conn)
	d.logger.Debug("dialed local service", "flow", id.String(), "target", target)
	go ReadLoop(context.Background(), id, c, d.handler)

	return c, nil
}
