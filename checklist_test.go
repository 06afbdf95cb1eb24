package ice

import (
	"testing"
	"time"
)

// newTestComponent builds a Component wired to a standalone Agent/Stream,
// bypassing NewAgent's reactor goroutine -- these tests call checklist
// methods directly, the way the teacher's checklist_test.go exercises
// sortAndPrune without a running Agent.
func newTestComponent(controlling bool, remoteSet bool) *Component {
	role := Controlled
	if controlling {
		role = Controlling
	}
	agent := &Agent{role: role}
	stream := &Stream{ID: 1, agent: agent, remoteSet: remoteSet}
	c := newComponent(agent, stream, 1)
	stream.components = []*Component{c}
	return c
}

func localCand(priority uint32, addr TransportAddress, foundation string) Candidate {
	return Candidate{ComponentID: 1, Type: CandidateHost, Addr: addr, BaseAddr: addr, Priority: priority, Foundation: foundation}
}

func remoteCand(priority uint32, addr TransportAddress, foundation string) Candidate {
	return Candidate{ComponentID: 1, Type: CandidateHost, Addr: addr, Priority: priority, Foundation: foundation}
}

func TestAddCandidatePairsFormsCartesianJoin(t *testing.T) {
	c := newTestComponent(true, true)
	c.localCandidates = []Candidate{
		localCand(100, testAddr("10.0.0.1", 1000), "L1"),
		localCand(90, testAddr("10.0.0.2", 1001), "L2"),
	}
	c.remoteCandidates = []Candidate{
		remoteCand(200, testAddr("20.0.0.1", 2000), "R1"),
		remoteCand(190, testAddr("20.0.0.2", 2001), "R2"),
	}

	c.addCandidatePairs()

	if len(c.pairs) != 4 {
		t.Fatalf("expected 4 pairs (2x2 cartesian join), got %d", len(c.pairs))
	}
	for i := 1; i < len(c.pairs); i++ {
		if c.pairs[i-1].Priority(true) < c.pairs[i].Priority(true) {
			t.Errorf("pairs not sorted descending by priority at index %d", i)
		}
	}
}

func TestAddCandidatePairsSkipsIncompatibleFamily(t *testing.T) {
	c := newTestComponent(true, true)
	c.localCandidates = []Candidate{localCand(100, testAddr("10.0.0.1", 1000), "L1")}
	c.remoteCandidates = []Candidate{remoteCand(200, testAddr("fe80::1", 2000), "R1")}

	c.addCandidatePairs()

	if len(c.pairs) != 0 {
		t.Errorf("expected no pairs across mismatched address families, got %d", len(c.pairs))
	}
}

func TestAddCandidatePairsWaitingOnlyAfterRemoteCredentials(t *testing.T) {
	withCreds := newTestComponent(true, true)
	withCreds.localCandidates = []Candidate{localCand(100, testAddr("10.0.0.1", 1000), "L1")}
	withCreds.remoteCandidates = []Candidate{remoteCand(200, testAddr("20.0.0.1", 2000), "R1")}
	withCreds.addCandidatePairs()
	if withCreds.pairs[0].State != Waiting {
		t.Errorf("sole pair in its foundation group should be Waiting once remote credentials are set, got %s", withCreds.pairs[0].State)
	}

	withoutCreds := newTestComponent(true, false)
	withoutCreds.localCandidates = []Candidate{localCand(100, testAddr("10.0.0.1", 1000), "L1")}
	withoutCreds.remoteCandidates = []Candidate{remoteCand(200, testAddr("20.0.0.1", 2000), "R1")}
	withoutCreds.addCandidatePairs()
	if withoutCreds.pairs[0].State != Frozen {
		t.Errorf("pair should be Frozen before remote credentials are set, got %s", withoutCreds.pairs[0].State)
	}
}

// TestElectFoundationGroupsPicksOnePerGroup covers spec §4.3.1 step 4 and
// the §3 invariant that at most one pair per foundation is unfrozen at a
// time: with two pairs sharing a foundation, only the lowest-component-id
// one goes Waiting, and the other stays Frozen.
func TestElectFoundationGroupsPicksOnePerGroup(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent, remoteSet: true}
	rtp := newComponent(agent, stream, 1)
	rtcp := newComponent(agent, stream, 2)
	stream.components = []*Component{rtp, rtcp}

	rtp.localCandidates = []Candidate{localCand(100, testAddr("10.0.0.1", 1000), "F1")}
	rtp.remoteCandidates = []Candidate{remoteCand(200, testAddr("20.0.0.1", 2000), "R1")}
	rtcp.localCandidates = []Candidate{{ComponentID: 2, Type: CandidateHost, Addr: testAddr("10.0.0.1", 1001), BaseAddr: testAddr("10.0.0.1", 1001), Priority: 100, Foundation: "F1"}}
	rtcp.remoteCandidates = []Candidate{{ComponentID: 2, Type: CandidateHost, Addr: testAddr("20.0.0.1", 2001), Priority: 200, Foundation: "R1"}}

	rtp.addCandidatePairs()
	rtcp.addCandidatePairs()

	if got := rtp.pairs[0].Foundation; got != rtcp.pairs[0].Foundation {
		t.Fatalf("expected both pairs to share a foundation, got %q and %q", got, rtcp.pairs[0].Foundation)
	}
	if rtp.pairs[0].State != Waiting {
		t.Errorf("lowest-component-id pair should be Waiting, got %s", rtp.pairs[0].State)
	}
	if rtcp.pairs[0].State != Frozen {
		t.Errorf("higher-component-id sibling should stay Frozen, got %s", rtcp.pairs[0].State)
	}
}

// TestUnfreezeSiblingsOnSucceeded covers spec §4.3.2: once a pair succeeds,
// every other Frozen pair sharing its foundation -- even on a different
// component -- becomes Waiting.
func TestUnfreezeSiblingsOnSucceeded(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent, remoteSet: true}
	rtp := newComponent(agent, stream, 1)
	rtcp := newComponent(agent, stream, 2)
	stream.components = []*Component{rtp, rtcp}

	rtp.localCandidates = []Candidate{localCand(100, testAddr("10.0.0.1", 1000), "F1")}
	rtp.remoteCandidates = []Candidate{remoteCand(200, testAddr("20.0.0.1", 2000), "R1")}
	rtcp.localCandidates = []Candidate{{ComponentID: 2, Type: CandidateHost, Addr: testAddr("10.0.0.1", 1001), BaseAddr: testAddr("10.0.0.1", 1001), Priority: 100, Foundation: "F1"}}
	rtcp.remoteCandidates = []Candidate{{ComponentID: 2, Type: CandidateHost, Addr: testAddr("20.0.0.1", 2001), Priority: 200, Foundation: "R1"}}

	rtp.addCandidatePairs()
	rtcp.addCandidatePairs()

	if rtcp.pairs[0].State != Frozen {
		t.Fatalf("precondition: rtcp pair should start Frozen, got %s", rtcp.pairs[0].State)
	}

	rtp.pairs[0].State = Succeeded
	stream.unfreezeSiblings(rtp.pairs[0].Foundation)

	if rtcp.pairs[0].State != Waiting {
		t.Errorf("sibling pair should unfreeze to Waiting once its foundation group succeeds, got %s", rtcp.pairs[0].State)
	}
}

func TestSortAndPruneRemovesRedundantKeepsHigherPriority(t *testing.T) {
	c := newTestComponent(true, true)
	base := testAddr("1.1.1.1", 1000)
	remote := testAddr("5.5.5.5", 5555)

	high := newCandidatePair(1, Candidate{ComponentID: 1, BaseAddr: base, Addr: base, Priority: 100}, Candidate{ComponentID: 1, Addr: remote, Priority: 100})
	low := newCandidatePair(2, Candidate{ComponentID: 1, BaseAddr: base, Addr: testAddr("1.2.3.4", 1234), Priority: 99}, Candidate{ComponentID: 1, Addr: remote, Priority: 99})
	c.pairs = []*CandidatePair{low, high}

	c.sortAndPrune()

	if len(c.pairs) != 1 {
		t.Fatalf("expected redundant pair to be pruned, got %d pairs", len(c.pairs))
	}
	if c.pairs[0] != high {
		t.Errorf("expected the higher-priority pair to survive pruning")
	}
}

func TestTriggerCheckDedupsAndSkipsInProgress(t *testing.T) {
	c := newTestComponent(true, true)
	pair := newCandidatePair(1, localCand(1, testAddr("1.1.1.1", 1), "f"), remoteCand(1, testAddr("2.2.2.2", 2), "f"))

	c.triggerCheck(pair)
	c.triggerCheck(pair)
	if len(c.triggeredQueue) != 1 {
		t.Errorf("triggering the same pair twice should only queue it once, got %d entries", len(c.triggeredQueue))
	}

	c.triggeredQueue = nil
	pair.State = InProgress
	c.triggerCheck(pair)
	if len(c.triggeredQueue) != 0 {
		t.Errorf("an in-progress pair must not be (re-)queued")
	}

	pair.State = Succeeded
	c.triggerCheck(pair)
	if len(c.triggeredQueue) != 0 {
		t.Errorf("a succeeded pair must not be queued")
	}
}

func TestFindPair(t *testing.T) {
	c := newTestComponent(true, true)
	local := testAddr("1.1.1.1", 1)
	remote := testAddr("2.2.2.2", 2)
	pair := newCandidatePair(1, Candidate{ComponentID: 1, Addr: local}, Candidate{ComponentID: 1, Addr: remote})
	c.pairs = []*CandidatePair{pair}

	if got := c.findPair(local, remote); got != pair {
		t.Errorf("findPair did not locate the existing pair")
	}
	if got := c.findPair(local, testAddr("3.3.3.3", 3)); got != nil {
		t.Errorf("findPair should not match an unrelated remote address")
	}
}

func TestSendWaitingCheckPicksHighestPriorityAcrossComponents(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent, remoteSet: true}

	c1 := newComponent(agent, stream, 1)
	c2 := newComponent(agent, stream, 2)
	stream.components = []*Component{c1, c2}
	agent.streams = []*Stream{stream}

	sock1 := &fakeSocket{local: testAddr("10.0.0.1", 1)}
	sock2 := &fakeSocket{local: testAddr("10.0.0.2", 2)}
	c1.addSocket(sock1)
	c2.addSocket(sock2)

	lowPair := newCandidatePair(1, Candidate{ComponentID: 1, Addr: testAddr("1.1.1.1", 1), Priority: 10, Socket: sock1}, Candidate{ComponentID: 1, Addr: testAddr("9.9.9.9", 9), Priority: 10})
	lowPair.State = Waiting
	highPair := newCandidatePair(1, Candidate{ComponentID: 2, Addr: testAddr("2.2.2.2", 2), Priority: 5000, Socket: sock2}, Candidate{ComponentID: 2, Addr: testAddr("8.8.8.8", 8), Priority: 5000})
	highPair.State = Waiting

	c1.pairs = []*CandidatePair{lowPair}
	c2.pairs = []*CandidatePair{highPair}

	sent := agent.sendWaitingCheck(time.Now())

	if !sent {
		t.Fatalf("expected sendWaitingCheck to send a packet")
	}
	if highPair.State != InProgress {
		t.Errorf("the higher-priority waiting pair across all components should have been sent, got low=%s high=%s", lowPair.State, highPair.State)
	}
	if lowPair.State != Waiting {
		t.Errorf("only one packet may be sent per tick; the lower-priority pair must remain untouched")
	}
	if len(sock2.sentData) != 1 {
		t.Errorf("expected exactly one packet sent on the winning component's socket, got %d", len(sock2.sentData))
	}
	if len(sock1.sentData) != 0 {
		t.Errorf("expected no packet sent on the losing component's socket, got %d", len(sock1.sentData))
	}
}

// TestChecklistTickSkipsOwnChecksInLiteMode covers spec §6: FullMode=false
// means the agent never originates a check, even with a Waiting pair ready
// to go -- it only ever responds via handleStunRequest.
func TestChecklistTickSkipsOwnChecksInLiteMode(t *testing.T) {
	agent := &Agent{role: Controlling, config: Config{FullMode: false}}
	stream := &Stream{ID: 1, agent: agent, remoteSet: true}
	c := newComponent(agent, stream, 1)
	stream.components = []*Component{c}
	agent.streams = []*Stream{stream}

	sock := &fakeSocket{local: testAddr("10.0.0.1", 1)}
	c.addSocket(sock)

	pair := newCandidatePair(1, Candidate{ComponentID: 1, Addr: testAddr("1.1.1.1", 1), Priority: 10, Socket: sock}, Candidate{ComponentID: 1, Addr: testAddr("9.9.9.9", 9), Priority: 10})
	pair.State = Waiting
	c.pairs = []*CandidatePair{pair}

	agent.checklistTick(time.Now())

	if pair.State != Waiting {
		t.Errorf("a lite agent must not send its own check, got pair state %s", pair.State)
	}
	if len(sock.sentData) != 0 {
		t.Errorf("expected no packet sent in lite mode, got %d", len(sock.sentData))
	}
}

// TestSendCheckMovesGatheringComponentToConnecting covers spec §4.3.8: the
// gathering-to-connecting transition fires the moment a pair first enters
// InProgress, not when gathering finishes.
func TestSendCheckMovesGatheringComponentToConnecting(t *testing.T) {
	c := newTestComponent(true, true)
	c.setState(ComponentGathering)
	sock := &fakeSocket{local: testAddr("10.0.0.1", 1)}
	c.addSocket(sock)

	pair := newCandidatePair(1, Candidate{ComponentID: 1, Addr: testAddr("1.1.1.1", 1), Priority: 10, Socket: sock}, Candidate{ComponentID: 1, Addr: testAddr("9.9.9.9", 9), Priority: 10})

	c.sendCheck(pair, false)

	if c.state != ComponentConnecting {
		t.Errorf("component state = %s, want Connecting once a check is in flight", c.state)
	}
}

// TestSendCheckDoesNotRegressReadyComponent guards against the naive fix
// of unconditionally setting Connecting from sendCheck: a component that
// already reached Ready/Connected (e.g. sendNomination checking another
// pair) must not be pushed back down to Connecting.
func TestSendCheckDoesNotRegressReadyComponent(t *testing.T) {
	c := newTestComponent(true, true)
	c.setState(ComponentGathering)
	sock := &fakeSocket{local: testAddr("10.0.0.1", 1)}
	c.addSocket(sock)
	c.setState(ComponentConnecting)
	c.setState(ComponentReady)

	pair := newCandidatePair(1, Candidate{ComponentID: 1, Addr: testAddr("1.1.1.1", 1), Priority: 10, Socket: sock}, Candidate{ComponentID: 1, Addr: testAddr("9.9.9.9", 9), Priority: 10})
	c.sendCheck(pair, true)

	if c.state != ComponentReady {
		t.Errorf("component state = %s, want to stay Ready", c.state)
	}
}
