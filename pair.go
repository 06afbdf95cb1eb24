package ice

import (
	"fmt"
	"time"
)

// CandidatePairState is one of the five states in spec §3/§4.3.2.
type CandidatePairState int

const (
	Frozen CandidatePairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s CandidatePairState) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// pairTransaction is the outstanding STUN transaction for an in-progress
// pair (spec §3 invariant: in-progress implies an outstanding transaction
// with a unique 96-bit id).
type pairTransaction struct {
	id           string
	sentAt       time.Time
	retransmits  int
	rto          time.Duration
}

// CandidatePair is (local candidate, remote candidate) under connectivity
// check (spec §3/GLOSSARY).
type CandidatePair struct {
	id int

	Local  Candidate
	Remote Candidate

	Foundation string
	ComponentID int

	State     CandidatePairState
	Nominated bool

	txn *pairTransaction
}

func newCandidatePair(id int, local, remote Candidate) *CandidatePair {
	if local.ComponentID != remote.ComponentID {
		logChecklist.Panicf("ice: candidate pair components differ: %d != %d", local.ComponentID, remote.ComponentID)
	}
	return &CandidatePair{
		id:          id,
		Local:       local,
		Remote:      remote,
		Foundation:  local.Foundation + remote.Foundation,
		ComponentID: local.ComponentID,
		State:       Frozen,
	}
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("pair#%d[%s->%s %s]", p.id, p.Local.Addr, p.Remote.Addr, p.State)
}

// Priority implements RFC 5245 §5.7.2's pair-priority formula, using the
// controlling/controlled candidate priorities (spec §3):
//
//	G = controlling candidate priority, D = controlled candidate priority
//	pair_pri = 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0)
//
// Which side is "controlling" depends on the agent's current role, so the
// caller passes it in rather than the pair guessing from field order.
func (p *CandidatePair) Priority(localIsControlling bool) uint64 {
	var g, d uint64
	if localIsControlling {
		g, d = uint64(p.Local.Priority), uint64(p.Remote.Priority)
	} else {
		g, d = uint64(p.Remote.Priority), uint64(p.Local.Priority)
	}
	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}
	var b uint64
	if g > d {
		b = 1
	}
	return (lo << 32) + (hi << 1) + b
}

// isRedundant implements spec §4.3.1 step 3: two pairs are redundant if
// they share a local base address and a remote address. p is redundant
// relative to other iff that condition holds; callers keep the
// higher-priority of the two.
func isRedundant(p, other *CandidatePair) bool {
	return p.Local.BaseAddr.Equal(other.Local.BaseAddr) && p.Remote.Addr.Equal(other.Remote.Addr)
}
