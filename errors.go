package ice

import (
	"errors"
)

// Error kinds from spec §7. ProtocolError, Timeout, and RoleConflict never
// escape the package -- they are recovered locally (dropped packet, retry
// exhausted pair marked failed, role flip applied) and only ever surface
// indirectly, as a component-state-changed(failed) event.

// ConfigError indicates a misconfigured agent: an unknown option, a missing
// socket factory, or adding a stream before any local address was added.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "ice: config error: " + e.Reason }

// ResourceError indicates a failure to acquire a local resource (socket
// bind/create, allocation). Callers decide whether to retry or give up;
// the agent does not retry resource acquisition on its own.
type ResourceError struct {
	Reason string
	Err    error
}

func (e *ResourceError) Error() string { return "ice: resource error: " + e.Reason }
func (e *ResourceError) Unwrap() error { return e.Err }

// Sentinel errors returned by the blocking Recv test-harness entry point
// and by internal lookups.
var (
	errNoSuchStream    = errors.New("ice: no such stream")
	errNoSuchComponent = errors.New("ice: no such component")
	errRecvTimeout     = errors.New("ice: recv timed out")
	errAgentClosed     = errors.New("ice: agent closed")
	errNoSocketFactory = &ConfigError{Reason: "socket factory is required"}
	errNoLocalAddress  = &ConfigError{Reason: "add_stream called before any local address was added"}
	errNoSelectedPair  = errors.New("ice: component has no selected pair yet")
)
