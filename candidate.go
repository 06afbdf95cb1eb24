package ice

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
)

// CandidateType is one of the four kinds of transport address an ICE
// agent can offer a peer (spec §3).
type CandidateType int

const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference is the first term of the priority formula (spec §3).
func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelayed:
		return 0
	default:
		logAddr.Panicf("ice: invalid candidate type %d", t)
		return 0
	}
}

// Candidate is a potential transport address for one component of one
// stream (spec §3). Local and remote candidates share this type; Socket
// is only ever populated for local candidates.
type Candidate struct {
	StreamID    int
	ComponentID int

	Foundation string
	Type       CandidateType

	Addr     TransportAddress
	BaseAddr TransportAddress // for non-host types: the host the candidate was discovered from

	Priority uint32

	// Username/Password are optional per-candidate ICE credentials; unused
	// when the stream-level credentials apply (the common case).
	Username string
	Password string

	// Socket is the owning local socket. Nil for remote candidates.
	Socket Socket

	// server records the STUN/TURN server a reflexive candidate was
	// learned from, for foundation computation; empty for host and
	// peer-reflexive candidates.
	server string

	// mdnsName, if set, is the ephemeral ".local" hostname this host
	// candidate should be advertised as instead of its raw IP (see
	// mdns.go). Supplement beyond spec.md, off by default.
	mdnsName string
}

// localPreference is 65535 for a single configured interface; agents with
// more than one local address must assign a stable, distinct value per
// interface so that simultaneous host candidates are prioritised
// deterministically. prefFor implements that assignment.
type localPrefTable struct {
	order []string // addresses in the order first seen
	prefs []uint32 // prefs[i] is the value assigned to order[i] when first seen
}

func (t *localPrefTable) prefFor(ip string) uint32 {
	for i, seen := range t.order {
		if seen == ip {
			return t.prefs[i]
		}
	}
	t.order = append(t.order, ip)
	pref := localPrefValue(len(t.order)-1, len(t.order))
	t.prefs = append(t.prefs, pref)
	return pref
}

// localPrefValue spreads preferences evenly across [0, 65535], highest for
// the first-seen interface, matching RFC 8445 §5.1.2.1's requirement that
// local preference be a stable, strictly-ordered per-interface value.
func localPrefValue(index, total int) uint32 {
	if total <= 1 {
		return 65535
	}
	step := 65535 / uint32(total)
	return 65535 - uint32(index)*step
}

// computePriority implements the formula in spec §3:
//
//	priority = (2^24) * type_pref + (2^8) * local_pref + (256 - component_id)
func computePriority(typ CandidateType, localPref uint32, componentID int) uint32 {
	return typ.typePreference()<<24 | (localPref&0xffff)<<8 | uint32(256-componentID)
}

// peerReflexivePriority is the priority a candidate would have if it were
// peer-reflexive, used in outgoing Binding Request PRIORITY attributes
// (spec §4.3.4) and to prioritise a newly-learned peer-reflexive
// candidate.
func peerReflexivePriority(localPref uint32, componentID int) uint32 {
	return computePriority(CandidatePeerReflexive, localPref, componentID)
}

// computeFoundation implements spec §3: two local candidates share a
// foundation iff (type, base address, STUN/TURN server) match. We hash
// that tuple rather than concatenating it raw, so the result is bounded
// and always valid ASCII regardless of how the server name is spelled.
func computeFoundation(typ CandidateType, base TransportAddress, server string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", typ, base.IP, server)
	sum := h.Sum(nil)
	return truncateFoundation(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum))
}

// CandidateDescriptor is the signalling-facing, opaque representation of
// a Candidate (spec §6). The core never formats or parses SDP; it only
// produces and consumes this struct, leaving serialisation to the
// caller's signalling layer.
type CandidateDescriptor struct {
	Foundation  string
	ComponentID int
	Transport   string // always "udp"
	Priority    uint32
	Addr        TransportAddress
	Type        CandidateType

	// RelatedAddr is the base address for non-host candidates, nil for
	// host candidates. Mirrors SDP's raddr/rport without being SDP.
	RelatedAddr *TransportAddress

	// MDNSName, if set, is an ephemeral ".local" name to advertise in
	// place of Addr's IP (see mdns.go).
	MDNSName string
}

func (c *Candidate) descriptor() CandidateDescriptor {
	d := CandidateDescriptor{
		Foundation:  c.Foundation,
		ComponentID: c.ComponentID,
		Transport:   "udp",
		Priority:    c.Priority,
		Addr:        c.Addr,
		Type:        c.Type,
		MDNSName:    c.mdnsName,
	}
	if c.Type != CandidateHost {
		base := c.BaseAddr
		d.RelatedAddr = &base
	}
	return d
}

func candidateFromDescriptor(streamID int, d CandidateDescriptor) Candidate {
	foundation := d.Foundation
	if !asciiOnly(foundation) {
		// A remote foundation is only ever a hint; a malformed one (spec §3
		// requires pure ASCII) is discarded rather than rejecting the whole
		// candidate -- the caller recomputes one locally.
		foundation = ""
	}
	c := Candidate{
		StreamID:    streamID,
		ComponentID: d.ComponentID,
		Foundation:  foundation,
		Type:        d.Type,
		Addr:        d.Addr,
		Priority:    d.Priority,
		mdnsName:    d.MDNSName,
	}
	if d.RelatedAddr != nil {
		c.BaseAddr = *d.RelatedAddr
	} else {
		c.BaseAddr = d.Addr
	}
	return c
}

// canBePaired reports whether local and remote may form a candidate pair:
// same component, compatible address family (spec §4.3.1).
func canBePaired(local, remote Candidate) bool {
	return local.ComponentID == remote.ComponentID && local.Addr.Family == remote.Addr.Family
}
