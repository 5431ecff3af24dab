package mux

import "github.com/wanglonggod/ConnectTool12/internal/frame"

// Metrics is the subset of internal/metrics.Collector the engine reports
// to. Defined here rather than imported directly so the engine does not
// depend on Prometheus -- mirrors the teacher's MetricsReporter interface
// pattern in internal/bfd (session.go, manager.go): components declare the
// metrics shape they need, the metrics package satisfies it structurally.
type Metrics interface {
	FlowOpened()
	FlowClosed()
	FrameSent(t frame.Type)
	FrameReceived(t frame.Type)
	BytesSent(n int)
	BytesReceived(n int)
	DialFailure()
}

// noopMetrics is the default Metrics used when none is supplied, so the
// engine never needs a nil check at the call site.
type noopMetrics struct{}

func (noopMetrics) FlowOpened()             {}
func (noopMetrics) FlowClosed()             {}
func (noopMetrics) FrameSent(frame.Type)    {}
func (noopMetrics) FrameReceived(frame.Type) {}
func (noopMetrics) BytesSent(int)           {}
func (noopMetrics) BytesReceived(int)       {}
func (noopMetrics) DialFailure()            {}
