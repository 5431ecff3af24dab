package overlay

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopbackClosed is returned by Send/Recv after Close.
var ErrLoopbackClosed = errors.New("overlay: loopback transport closed")

// Loopback is an in-memory Transport with no network involved, for tests
// that need a deterministic, zero-network overlay (SPEC_FULL.md section
// 4.12). NewLoopbackPair returns two endpoints wired to each other:
// blobs sent on one arrive on the other's Recv.
type Loopback struct {
	out        chan []byte
	in         chan []byte
	events     chan Status
	peerEvents chan Status

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoopbackPair returns two Transports, each other's peer.
func NewLoopbackPair() (a, b *Loopback) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aEvents := make(chan Status, 4)
	bEvents := make(chan Status, 4)

	a = &Loopback{out: ab, in: ba, events: aEvents, peerEvents: bEvents, closed: make(chan struct{})}
	b = &Loopback{out: ba, in: ab, events: bEvents, peerEvents: aEvents, closed: make(chan struct{})}

	aEvents <- StatusConnected
	bEvents <- StatusConnected
	return a, b
}

// Send delivers blob to the peer's Recv.
func (l *Loopback) Send(ctx context.Context, blob []byte) error {
	cp := append([]byte(nil), blob...)
	select {
	case <-l.closed:
		return ErrLoopbackClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.out <- cp:
		return nil
	}
}

// Recv returns the next blob sent by the peer.
func (l *Loopback) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-l.closed:
		return nil, ErrLoopbackClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case blob := <-l.in:
		return blob, nil
	}
}

// Events returns the status notification channel.
func (l *Loopback) Events() <-chan Status {
	return l.events
}

// Close marks this endpoint closed. Pending and future Send/Recv calls on
// this endpoint return ErrLoopbackClosed; the peer is notified via
// StatusClosedByPeer.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		select {
		case l.peerEvents <- StatusClosedByPeer:
		default:
		}
	})
	return nil
}
