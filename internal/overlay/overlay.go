// Package overlay implements the overlay adapter (spec.md component C5):
// the shim between the engine and the external overlay transport, plus
// two concrete bindings (spec.md's "out of scope" boundary, SPEC_FULL.md
// section 4.12) that let the core run without a real relay/NAT-traversal
// SDK: a length-prefixed TCP pipe and an in-memory loopback pair for
// tests.
package overlay

import "context"

// Status is a transport-level connectivity event, mirroring spec.md
// section 4.5's status_changed contract.
type Status int

const (
	// StatusConnecting is delivered while the transport is establishing
	// its connection.
	StatusConnecting Status = iota

	// StatusConnected is delivered once the transport can send and
	// receive.
	StatusConnected

	// StatusClosedByPeer is delivered when the remote side closed the
	// pipe cleanly.
	StatusClosedByPeer

	// StatusProblemDetectedLocally is delivered when the local side
	// detects the pipe is broken (read/write error, keepalive failure).
	StatusProblemDetectedLocally
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusClosedByPeer:
		return "ClosedByPeer"
	case StatusProblemDetectedLocally:
		return "ProblemDetectedLocally"
	default:
		return "Unknown"
	}
}

// Transport is the capability spec.md section 4.5 requires from the
// overlay: reliable, ordered, message-framed send/receive plus status
// notifications. Recv blocks until the next message arrives, ctx is
// canceled, or the transport fails -- the Go equivalent of the source's
// "poll receive() every <=1ms" loop is a single blocking reader goroutine
// per spec.md section 9's recommended single-reactor collapse.
type Transport interface {
	// Send enqueues blob for reliable, ordered delivery. Returns an error
	// if the pipe is currently down; callers treat that as drop + log,
	// never as a reason to tear down state (spec.md section 4.5).
	Send(ctx context.Context, blob []byte) error

	// Recv returns the next blob, blocking until one arrives or ctx is
	// done.
	Recv(ctx context.Context) ([]byte, error)

	// Events returns the channel status_changed notifications arrive on.
	// The bindings in this package never close it, not even on Close.
	Events() <-chan Status

	// Close releases the transport's resources. Idempotent.
	Close() error
}
