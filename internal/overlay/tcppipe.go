package overlay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxBlobSize bounds a single tcp-pipe message so a corrupt or hostile
// length prefix cannot make Recv allocate unbounded memory.
const maxBlobSize = 16 << 20

// ErrBlobTooLarge is returned by Recv when a peer's length prefix exceeds
// maxBlobSize.
var ErrBlobTooLarge = errors.New("overlay: tcp-pipe blob exceeds maximum size")

// TCPPipe is a Transport backed by a single net.Conn, framing each blob
// with a 4-byte big-endian length prefix. This stands in for the real
// overlay transport's relay/NAT-traversal SDK (spec.md section 1, out of
// scope beyond this interface boundary): TCP already provides "reliable,
// ordered, message-framed" once length-prefixed, so no additional
// protocol is needed to satisfy the Transport contract.
type TCPPipe struct {
	conn net.Conn

	writeMu sync.Mutex

	events chan Status

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPPipe wraps an established net.Conn as a Transport. The caller is
// responsible for dialing or accepting conn; NewTCPPipe immediately
// reports StatusConnected since the connection is already established.
func NewTCPPipe(conn net.Conn) *TCPPipe {
	p := &TCPPipe{
		conn:   conn,
		events: make(chan Status, 4),
		closed: make(chan struct{}),
	}
	p.events <- StatusConnected
	return p
}

// Send writes blob as a single length-prefixed message. Concurrent Send
// calls are serialized so frames from different flows never interleave
// on the wire.
func (p *TCPPipe) Send(ctx context.Context, blob []byte) error {
	select {
	case <-p.closed:
		return net.ErrClosed
	default:
	}

	if len(blob) > maxBlobSize {
		return ErrBlobTooLarge
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(dl)
		defer p.conn.SetWriteDeadline(time.Time{})
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(blob)))

	if _, err := p.conn.Write(header[:]); err != nil {
		p.reportProblem()
		return fmt.Errorf("overlay: write length prefix: %w", err)
	}
	if len(blob) > 0 {
		if _, err := p.conn.Write(blob); err != nil {
			p.reportProblem()
			return fmt.Errorf("overlay: write blob: %w", err)
		}
	}
	return nil
}

// Recv reads the next length-prefixed blob. It blocks until one arrives,
// ctx is done, or the connection fails.
func (p *TCPPipe) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetReadDeadline(dl)
		defer p.conn.SetReadDeadline(time.Time{})
	}

	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		p.translateReadErr(err)
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > maxBlobSize {
		p.reportProblem()
		return nil, ErrBlobTooLarge
	}

	blob := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(p.conn, blob); err != nil {
			p.translateReadErr(err)
			return nil, err
		}
	}
	return blob, nil
}

func (p *TCPPipe) translateReadErr(err error) {
	if errors.Is(err, io.EOF) {
		p.reportEvent(StatusClosedByPeer)
		return
	}
	p.reportProblem()
}

func (p *TCPPipe) reportProblem() {
	p.reportEvent(StatusProblemDetectedLocally)
}

func (p *TCPPipe) reportEvent(s Status) {
	select {
	case p.events <- s:
	default:
		// Events channel is buffered for exactly this: a slow consumer
		// should not block the connection's own read/write path. A full
		// buffer means a status change is already pending delivery.
	}
}

// Events returns the status notification channel.
func (p *TCPPipe) Events() <-chan Status {
	return p.events
}

// Close closes the underlying connection. Idempotent.
func (p *TCPPipe) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}
