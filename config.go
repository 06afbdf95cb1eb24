package ice

import "time"

// Role is the ICE role of this agent: the controlling agent nominates the
// selected pair; the controlled agent waits for nomination (spec GLOSSARY).
type Role int

const (
	Controlled Role = iota
	Controlling
)

func (r Role) String() string {
	if r == Controlling {
		return "controlling"
	}
	return "controlled"
}

// Config is the typed configuration record passed to Agent.Configure,
// replacing the source's dynamic, runtime-type-checked object properties
// (design note §9). Agent has no per-field setters: changing the STUN
// server or controlling mode after NewAgent means calling Configure again
// with a whole new Config.
type Config struct {
	// SocketFactory binds UDP sockets to local addresses. Required.
	SocketFactory SocketFactory

	// StunServer, if non-empty, enables server-reflexive gathering against
	// this host (no port).
	StunServer string

	// StunServerPort is the UDP port of StunServer. Defaults to 3478.
	StunServerPort int

	// TurnServer/TurnServerPort are reserved: accepted for forward
	// compatibility with a future relay allocator, but the core does not
	// perform any TURN allocation. Only the "relayed" candidate-type slot
	// is reserved for it (spec §1).
	TurnServer     string
	TurnServerPort int

	// ControllingMode is the initial ICE role. May flip via role-conflict
	// resolution (spec §4.3.5/§4.3.6).
	ControllingMode bool

	// FullMode, if false, puts the agent in ICE-lite-like behavior: skip
	// server-reflexive discovery and skip sending ordinary/triggered
	// checks of our own, responding only to the peer's checks.
	FullMode bool

	// StunPacingTimer (Ta) paces gathering and connectivity checks.
	// Minimum 1ms; defaults to 20ms.
	StunPacingTimer time.Duration

	// KeepaliveInterval governs the STUN Binding Indication cadence on a
	// selected pair once ready (spec §4.3.9). Defaults to 15s.
	KeepaliveInterval time.Duration

	// MDNSObfuscation publishes host candidates as ephemeral ".local"
	// names instead of raw IP addresses, and resolves incoming ".local"
	// remote candidates via multicast DNS before pairing. See mdns.go.
	// This is a supplement beyond spec.md, gated off by default so it
	// changes nothing unless explicitly requested.
	MDNSObfuscation bool
}

// NewConfig returns a Config with every spec §6 default applied
// (ControllingMode=true, FullMode=true, StunPacingTimer=20ms,
// KeepaliveInterval=15s, StunServerPort=3478). Go's zero value for a bool
// can't distinguish "unset" from "explicitly false", so callers that need
// ICE-lite or an initial controlled role must start from NewConfig and
// flip the field, rather than building a bare Config{} literal.
func NewConfig(socketFactory SocketFactory) Config {
	return Config{
		SocketFactory:     socketFactory,
		StunServerPort:    3478,
		ControllingMode:   true,
		FullMode:          true,
		StunPacingTimer:   20 * time.Millisecond,
		KeepaliveInterval: 15 * time.Second,
	}
}

// withDefaults fills in zero-valued timer/port fields with the spec §6
// defaults and validates the required fields. It never mutates cfg in
// place. Boolean fields are taken as given -- see NewConfig.
func (cfg Config) withDefaults() (Config, error) {
	if cfg.SocketFactory == nil {
		return cfg, errNoSocketFactory
	}
	if cfg.StunServerPort == 0 {
		cfg.StunServerPort = 3478
	}
	if cfg.StunPacingTimer == 0 {
		cfg.StunPacingTimer = 20 * time.Millisecond
	}
	if cfg.StunPacingTimer < time.Millisecond {
		return cfg, &ConfigError{Reason: "stun_pacing_timer must be >= 1ms"}
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	return cfg, nil
}
