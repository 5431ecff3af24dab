package mux

import "sync/atomic"

// RoleConfig holds the two fields spec.md section 5 calls out as
// "shared mutable state" beyond the flow table: whether this peer is
// currently the host, and the local service port to dial. Both are
// mutated live (by the control API) and read by the engine only at
// dial-decision time -- no cached copies, per spec.md section 4.3.
type RoleConfig struct {
	isHost    atomic.Bool
	localPort atomic.Int32
}

// NewRoleConfig returns a RoleConfig initialized to the given role and port.
func NewRoleConfig(isHost bool, localPort int) *RoleConfig {
	rc := &RoleConfig{}
	rc.isHost.Store(isHost)
	rc.localPort.Store(int32(localPort))
	return rc
}

// IsHost reports whether this peer currently dials the local service on
// unknown inbound flows.
func (rc *RoleConfig) IsHost() bool {
	return rc.isHost.Load()
}

// SetHost updates the role. Per spec.md section 9, switching roles never
// affects flows already open.
func (rc *RoleConfig) SetHost(isHost bool) {
	rc.isHost.Store(isHost)
}

// LocalPort returns the port to dial for a new host-side flow. Zero or
// negative means "no local service configured".
func (rc *RoleConfig) LocalPort() int {
	return int(rc.localPort.Load())
}

// SetLocalPort updates the dial target. A stale read by an in-flight dial
// decision only delays picking up the new value -- acceptable per
// spec.md section 5.
func (rc *RoleConfig) SetLocalPort(port int) {
	rc.localPort.Store(int32(port))
}
