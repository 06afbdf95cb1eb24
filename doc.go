// Package ice implements the core of an Interactive Connectivity
// Establishment (ICE, RFC 8445) agent: UDP candidate gathering (host and
// server-reflexive, via STUN Binding), the connectivity-check state machine
// (check-list construction, pair prioritisation, ordinary/triggered checks,
// nomination), and per-component selected-pair resolution.
//
// Out of scope, by design: the signalling channel that carries candidate
// descriptors between peers (treated as opaque), the media payload path
// after a pair is selected (buffered per component for the caller to read
// with Agent.Recv),
// TURN relay allocation, and anything resembling a CLI or config file
// loader. See the package-level Config type for the knobs this agent does
// expose.
package ice

import (
	"strings"

	"github.com/kahiko/goice/internal/logging"
)

// Package-tagged loggers, one per functional area, so LOGLEVEL=stun=debug
// can turn up verbosity for just the codec without drowning in checklist
// chatter.
var (
	logAgent     = logging.DefaultLogger.WithTag("ice")
	logAddr      = logging.DefaultLogger.WithTag("ice")
	logStun      = logging.DefaultLogger.WithTag("stun")
	logChecklist = logging.DefaultLogger.WithTag("checklist")
	logDiscovery = logging.DefaultLogger.WithTag("discovery")
	logSocket    = logging.DefaultLogger.WithTag("socket")
	logMdns      = logging.DefaultLogger.WithTag("mdns")
)

func truncateFoundation(s string) string {
	const maxFoundationLen = 32
	if len(s) <= maxFoundationLen {
		return s
	}
	return s[:maxFoundationLen]
}

// asciiOnly reports whether s contains only printable ASCII, as required of
// a foundation string (spec §3).
func asciiOnly(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r < 0x20 || r > 0x7e }) == -1
}
