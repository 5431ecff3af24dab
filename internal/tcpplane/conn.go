// Package tcpplane implements the TCP plane (spec.md component C4): the
// client-side listener, the host-side on-demand dialer, and the
// per-socket read/write loops that feed the multiplex engine.
package tcpplane

import (
	"context"
	"net"
	"sync"

	"github.com/wanglonggod/ConnectTool12/internal/frame"
	"github.com/wanglonggod/ConnectTool12/internal/mux"
)

// readBufSize is the per-socket read buffer, meeting spec.md section
// 4.4's "at least 1024 bytes" floor.
const readBufSize = 4096

// Conn wraps a net.Conn as a flow.Endpoint: writes are serialized (spec.md
// section 4.4, "one outstanding write at a time"), and Close is
// idempotent so the flow table and an in-flight read loop can both call
// it without a double-close panic.
type Conn struct {
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Write implements flow.Endpoint.
func (c *Conn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

// Close implements flow.Endpoint. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ReadLoop reads from the connection until EOF, error, or ctx
// cancellation, forwarding each read to handler.OnLocalBytes and, on
// termination, calling handler.OnLocalClose exactly once. Callers run
// this in its own goroutine; it blocks until the loop ends.
//
// Per spec.md section 4.4, this is used identically for client-accepted
// sockets and host-dialed sockets -- the same function backs both the
// Listener's accept loop and the HostDialer's DialAndServe.
func ReadLoop(ctx context.Context, id frame.ID, c *Conn, handler mux.LocalHandler) {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handler.OnLocalBytes(id, chunk)
		}
		if err != nil {
			handler.OnLocalClose(id, err)
			return
		}
	}
}
