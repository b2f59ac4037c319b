// Package supervisor keeps broker connections alive.
//
// One Supervisor runs per active broker. It dials through a Dialer, probes
// the live connection on a keepalive ticker and redials after a fixed
// reconnect interval, mirroring every step into the broker registry so
// the mode controller sees each connection change.
//
// Features:
//   - Dial, keepalive and reconnect loop per broker
//   - Three consecutive failed probes mark the broker ERROR
//   - Drops reported by the transport end the connection immediately
//   - Group reconciles supervisors with the registry at runtime
//   - Context-based cancellation for clean shutdown
//
// Example usage:
//
//	group := supervisor.NewGroup(registry, factory, supervisor.Config{
//	    ReconnectInterval: 5 * time.Second,
//	    KeepaliveInterval: 10 * time.Second,
//	})
//	worker.SetConnections(group)
package supervisor
