package tcpplane_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks: Listener.Run and ReadLoop each
// spawn a ctx-watcher goroutine per call. Grounded on
// internal/metrics/testmain_test.go.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
