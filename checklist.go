package ice

import (
	"time"
)

// Check-list engine (spec §4.3, component C6): pair formation and
// pruning, the Ta-paced scheduler, and processing of inbound/outbound
// connectivity checks. Grounded on the teacher's internal/ice/checklist.go,
// whose addCandidatePairs/sortAndPrune/run/nextPair/sendCheck/rto/
// processResponse/nominate shape this file follows closely; foundation
// grouping (spec §4.3.1 step 4) and sibling unfreeze (spec §4.3.2) are
// implemented at the stream level, since a foundation group spans every
// component of a stream, not just one.

const (
	initialRTO    = 100 * time.Millisecond
	maxRTO        = 1600 * time.Millisecond
	maxRetransmit = 7 // Rc
)

// addCandidatePairs forms the cartesian join of this component's local
// and remote candidates (spec §4.3.1), skipping pairs that already
// exist or can't be paired (mismatched component/address family).
func (c *Component) addCandidatePairs() {
	for i := range c.localCandidates {
		for j := range c.remoteCandidates {
			local, remote := c.localCandidates[i], c.remoteCandidates[j]
			if !canBePaired(local, remote) {
				continue
			}
			if c.findPair(local.Addr, remote.Addr) != nil {
				continue
			}
			pair := newCandidatePair(c.allocatePairID(), local, remote)
			c.pairs = append(c.pairs, pair)
		}
	}
	c.sortAndPrune()
	if c.stream.remoteSet {
		c.stream.electFoundationGroups()
	}
}

// sortAndPrune orders pairs by descending priority (spec §4.3.1 step 2)
// and removes redundant pairs (step 3), keeping the higher-priority
// member of each redundant set.
func (c *Component) sortAndPrune() {
	controlling := c.agent.localIsControlling()

	sorted := make([]*CandidatePair, 0, len(c.pairs))
	for _, p := range c.pairs {
		sorted = append(sorted, p)
	}
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Priority(controlling) < sorted[j].Priority(controlling); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	kept := sorted[:0:0]
	for _, p := range sorted {
		redundant := false
		for _, k := range kept {
			if isRedundant(p, k) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, p)
		}
	}
	c.pairs = kept
}

func (c *Component) findPair(local, remote TransportAddress) *CandidatePair {
	for _, p := range c.pairs {
		if p.Local.Addr.Equal(local) && p.Remote.Addr.Equal(remote) {
			return p
		}
	}
	return nil
}

// electFoundationGroups implements spec §4.3.1 step 4: a foundation group
// spans every component of the stream, since the same local interface
// produces the same foundation on each component's candidate. Within each
// group, the pair with the lowest component id (ties broken by highest
// priority) is marked Waiting; every other Frozen pair in the group stays
// Frozen. A group in which any pair has already left Frozen (Waiting,
// InProgress, Succeeded, or Failed) is left alone -- at most one pair per
// foundation is unfrozen at a time (spec §3).
func (s *Stream) electFoundationGroups() {
	controlling := s.agent.localIsControlling()

	groups := make(map[string][]*CandidatePair)
	for _, c := range s.components {
		for _, p := range c.pairs {
			groups[p.Foundation] = append(groups[p.Foundation], p)
		}
	}

	for _, pairs := range groups {
		active := false
		for _, p := range pairs {
			if p.State != Frozen {
				active = true
				break
			}
		}
		if active {
			continue
		}

		var best *CandidatePair
		for _, p := range pairs {
			switch {
			case best == nil:
				best = p
			case p.ComponentID < best.ComponentID:
				best = p
			case p.ComponentID == best.ComponentID && p.Priority(controlling) > best.Priority(controlling):
				best = p
			}
		}
		if best != nil {
			best.State = Waiting
		}
	}
}

// unfreezeSiblings implements the spec §4.3.2 unfreeze policy: once a pair
// succeeds, every other Frozen pair sharing its foundation -- across every
// component of the stream -- becomes Waiting.
func (s *Stream) unfreezeSiblings(foundation string) {
	for _, c := range s.components {
		for _, p := range c.pairs {
			if p.Foundation == foundation && p.State == Frozen {
				p.State = Waiting
			}
		}
	}
}

// triggerCheck enqueues pair for an immediate check (spec §4.3.3/§4.3.4):
// a peer-reflexive discovery or an incoming request on an existing pair
// both trigger one. A pair already InProgress keeps running; one already
// queued isn't queued twice.
func (c *Component) triggerCheck(pair *CandidatePair) {
	if pair.State == InProgress || pair.State == Succeeded {
		return
	}
	for _, q := range c.triggeredQueue {
		if q == pair {
			return
		}
	}
	pair.State = Waiting
	c.triggeredQueue = append(c.triggeredQueue, pair)
}

// checklistTick is the Ta-paced scheduler step (spec §4.2's "requests paced
// by timer Ta" and spec §4.3.1 scheduler priority: triggered queue >
// waiting pairs > RTO retransmits > nomination). It performs at most one
// network-visible action per tick, queued discovery sends included.
//
// An ICE-lite agent (FullMode false, spec §6) never originates checks of
// its own -- it only answers them via handleStunRequest -- so once the
// discovery queue is drained there is nothing left for this tick to do.
func (a *Agent) checklistTick(now time.Time) {
	if a.sendQueuedDiscovery() {
		return
	}
	if !a.config.FullMode {
		return
	}
	if a.sendTriggeredCheck(now) {
		return
	}
	if a.sendWaitingCheck(now) {
		return
	}
	if a.sendRetransmit(now) {
		return
	}
	a.sendNomination(now)
}

// sendQueuedDiscovery pops and runs the next queued server-reflexive
// discovery send, if any (spec §4.2). Gathering enqueues one entry per
// local address instead of firing immediately, so the initial discovery
// requests share the same one-per-Ta budget as connectivity checks.
func (a *Agent) sendQueuedDiscovery() bool {
	if len(a.discoveryQueue) == 0 {
		return false
	}
	next := a.discoveryQueue[0]
	a.discoveryQueue = a.discoveryQueue[1:]
	next()
	return true
}

func (a *Agent) forEachComponent(f func(*Component) bool) {
	for _, s := range a.streams {
		for _, c := range s.components {
			if !f(c) {
				return
			}
		}
	}
}

func (a *Agent) sendTriggeredCheck(now time.Time) bool {
	sent := false
	a.forEachComponent(func(c *Component) bool {
		if len(c.triggeredQueue) == 0 {
			return true
		}
		pair := c.triggeredQueue[0]
		c.triggeredQueue = c.triggeredQueue[1:]
		if pair.State == Failed {
			return true
		}
		c.sendCheck(pair, false)
		sent = true
		return false
	})
	return sent
}

func (a *Agent) sendWaitingCheck(now time.Time) bool {
	var best *CandidatePair
	var bestComponent *Component
	controlling := a.localIsControlling()

	a.forEachComponent(func(c *Component) bool {
		for _, p := range c.pairs {
			if p.State != Waiting {
				continue
			}
			if best == nil || p.Priority(controlling) > best.Priority(controlling) {
				best, bestComponent = p, c
			}
		}
		return true
	})
	if best == nil {
		return false
	}
	bestComponent.sendCheck(best, false)
	return true
}

func (a *Agent) sendRetransmit(now time.Time) bool {
	found := false
	a.forEachComponent(func(c *Component) bool {
		for _, p := range c.pairs {
			if p.State != InProgress || p.txn == nil {
				continue
			}
			if now.Sub(p.txn.sentAt) < p.txn.rto {
				continue
			}
			if p.txn.retransmits >= maxRetransmit {
				p.State = Failed
				p.txn = nil
				c.updateComponentState()
				continue
			}
			p.txn.retransmits++
			p.txn.rto = nextRTO(p.txn.rto)
			p.txn.sentAt = now
			c.retransmitCheck(p)
			found = true
			return false
		}
		return true
	})
	return found
}

func nextRTO(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxRTO {
		return maxRTO
	}
	return next
}

// sendNomination implements the controlling agent's final step (spec
// §4.3.6): once a component has at least one Succeeded pair and hasn't
// nominated yet, send a fresh check on its best Succeeded pair with
// USE-CANDIDATE set.
func (a *Agent) sendNomination(now time.Time) bool {
	if !a.localIsControlling() {
		return false
	}
	sent := false
	a.forEachComponent(func(c *Component) bool {
		if c.selectedPair != nil {
			return true
		}
		var best *CandidatePair
		for _, p := range c.pairs {
			if p.State != Succeeded {
				continue
			}
			if best == nil || p.Priority(true) > best.Priority(true) {
				best = p
			}
		}
		if best == nil {
			return true
		}
		c.sendCheck(best, true)
		sent = true
		return false
	})
	return sent
}

// sendCheck transmits a Binding Request for pair, optionally nominating
// it (spec §4.3.4).
func (c *Component) sendCheck(pair *CandidatePair, nominate bool) {
	reader := c.readerFor(&pair.Local)
	if reader == nil {
		pair.State = Failed
		return
	}

	req := buildBindingRequest("")
	req.addUsername(c.stream.remoteUfrag, c.stream.localUfrag)
	req.addPriority(peerReflexivePriority(65535, pair.ComponentID))
	if c.agent.localIsControlling() {
		req.addIceControlling(c.agent.tieBreaker)
	} else {
		req.addIceControlled(c.agent.tieBreaker)
	}
	if nominate {
		req.addUseCandidate()
	}
	req.addMessageIntegrity(c.stream.remotePassword)
	req.addFingerprint()

	pair.State = InProgress
	pair.txn = &pairTransaction{id: req.transactionID, sentAt: time.Now(), rto: initialRTO}
	if c.state < ComponentConnecting {
		c.setState(ComponentConnecting)
	}

	transactionID := req.transactionID
	reader.putHandler(transactionID, func(resp *stunMessage, from TransportAddress) {
		c.processResponse(pair, resp, from, nominate)
	})

	if err := reader.sendStun(req, pair.Remote.Addr, nil); err != nil {
		logChecklist.Debug("send check %s: %s", pair, err)
	}
}

// retransmitCheck resends the same transaction id for an InProgress pair
// whose RTO elapsed (spec §4.3.4 retransmission, RFC 8445 §14).
func (c *Component) retransmitCheck(pair *CandidatePair) {
	reader := c.readerFor(&pair.Local)
	if reader == nil || pair.txn == nil {
		return
	}
	req := buildBindingRequest(pair.txn.id)
	req.addUsername(c.stream.remoteUfrag, c.stream.localUfrag)
	req.addPriority(peerReflexivePriority(65535, pair.ComponentID))
	if c.agent.localIsControlling() {
		req.addIceControlling(c.agent.tieBreaker)
	} else {
		req.addIceControlled(c.agent.tieBreaker)
	}
	if pair.Nominated {
		req.addUseCandidate()
	}
	req.addMessageIntegrity(c.stream.remotePassword)
	req.addFingerprint()

	if err := reader.sendStun(req, pair.Remote.Addr, nil); err != nil {
		logChecklist.Debug("retransmit check %s: %s", pair, err)
	}
}

// processResponse handles a Binding Success or Error response matched to
// an outstanding transaction (spec §4.3.4/§4.3.7).
func (c *Component) processResponse(pair *CandidatePair, resp *stunMessage, from TransportAddress, wasNomination bool) {
	if pair.txn == nil {
		return
	}
	pair.txn = nil

	if resp.class == stunErrorResponse {
		if code, _, ok := resp.getErrorCode(); ok && code == 487 {
			c.agent.handleRoleConflict(resp)
			pair.State = Waiting
			c.triggerCheck(pair)
			return
		}
		pair.State = Failed
		c.updateComponentState()
		return
	}

	if !resp.verifyMessageIntegrity(c.stream.remotePassword) {
		logChecklist.Debug("dropping response with bad MESSAGE-INTEGRITY for %s", pair)
		return
	}

	mapped, ok := resp.getXorMappedAddress()
	if !ok {
		mapped, ok = resp.getMappedAddress()
	}
	if !ok || !from.Equal(pair.Remote.Addr) {
		// RFC 8445 §7.2.5.2.1: the response must come from the address
		// the request was sent to.
		pair.State = Failed
		c.updateComponentState()
		return
	}

	local := c.findLocalCandidate(mapped)
	if local == nil {
		local = c.adoptPeerReflexiveLocal(pair, mapped)
	}

	validPair := pair
	if local != &pair.Local {
		validPair = c.findPair(local.Addr, pair.Remote.Addr)
		if validPair == nil {
			newPair := newCandidatePair(c.allocatePairID(), *local, pair.Remote)
			newPair.State = Succeeded
			c.pairs = append(c.pairs, newPair)
			validPair = newPair
		}
	}
	validPair.State = Succeeded
	c.stream.unfreezeSiblings(validPair.Foundation)

	if wasNomination || validPair.Nominated {
		validPair.Nominated = true
		if c.selectedPair != validPair {
			c.setSelectedPair(validPair)
		}
		c.setState(ComponentReady)
	} else {
		c.setState(ComponentConnected)
	}
}

// adoptPeerReflexiveLocal handles the case in spec §4.3.4 where the
// mapped address in a response doesn't match any known local candidate:
// the local side learned a new peer-reflexive candidate of its own
// (common behind symmetric NATs).
func (c *Component) adoptPeerReflexiveLocal(pair *CandidatePair, mapped TransportAddress) *Candidate {
	cand := Candidate{
		StreamID:    pair.Local.StreamID,
		ComponentID: pair.ComponentID,
		Type:        CandidatePeerReflexive,
		Addr:        mapped,
		BaseAddr:    pair.Local.BaseAddr,
		Priority:    peerReflexivePriority(65535, pair.ComponentID),
		Socket:      pair.Local.Socket,
	}
	cand.Foundation = computeFoundation(cand.Type, cand.BaseAddr, "")
	return c.addLocalCandidate(cand)
}

// handleStunRequest processes an inbound Binding Request (spec §4.3.3,
// §4.3.5, §4.3.7): credential validation, role-conflict detection,
// peer-reflexive remote-candidate learning, triggered check enqueuing,
// and nomination.
func (c *Component) handleStunRequest(msg *stunMessage, from TransportAddress, reader *socketReader, local *Candidate) {
	if !msg.verifyFingerprint() {
		return
	}

	username, ok := msg.getUsername()
	if !ok {
		return
	}
	ufragLocal, ufragRemote, ok := splitUsername(username)
	if !ok || ufragLocal != c.stream.localUfrag || ufragRemote != c.stream.remoteUfrag {
		return
	}
	if !msg.verifyMessageIntegrity(c.stream.localPassword) {
		return
	}

	if unknown := unknownComprehensionRequired(msg, knownAttributeTypes); len(unknown) > 0 {
		resp := buildErrorResponse(msg.transactionID, 420, "Unknown Attribute")
		resp.addUnknownAttributes(unknown)
		resp.addMessageIntegrity(c.stream.localPassword)
		resp.addFingerprint()
		reader.sendStun(resp, from, nil)
		return
	}

	if theirRole, theirTie, present := msg.getRole(); present {
		if conflict, loser := c.agent.detectRoleConflict(theirRole, theirTie); conflict {
			if loser {
				resp := buildErrorResponse(msg.transactionID, 487, "Role Conflict")
				resp.addMessageIntegrity(c.stream.localPassword)
				resp.addFingerprint()
				reader.sendStun(resp, from, nil)
				return
			}
			c.agent.switchRole()
		}
	}

	if !c.initialBindingRequestReceived {
		streamFirst := true
		for _, sc := range c.stream.components {
			if sc.initialBindingRequestReceived {
				streamFirst = false
			}
		}
		c.initialBindingRequestReceived = true
		if streamFirst {
			c.agent.emit(Event{Kind: EventInitialBindingRequestReceived, StreamID: c.stream.ID, ComponentID: c.ID})
		}
	}

	remote := c.findRemoteCandidate(from)
	if remote == nil {
		priority, _ := msg.getPriority()
		cand := Candidate{
			StreamID:    c.stream.ID,
			ComponentID: c.ID,
			Type:        CandidatePeerReflexive,
			Addr:        from,
			BaseAddr:    from,
			Priority:    priority,
		}
		cand.Foundation = computeFoundation(cand.Type, cand.BaseAddr, "")
		remote = c.addRemoteCandidate(cand)
	}

	pair := c.findPair(local.Addr, remote.Addr)
	if pair == nil {
		pair = newCandidatePair(c.allocatePairID(), *local, *remote)
		c.pairs = append(c.pairs, pair)
	}
	c.triggerCheck(pair)

	if msg.hasUseCandidate() {
		pair.Nominated = true
		// A full agent has its own check on this pair queued by the
		// triggerCheck above (or already in flight), so unless the pair has
		// already succeeded it waits for that check's own success before
		// selecting. A lite agent (spec §6 FullMode=false) never
		// runs checks of its own -- responding to a validated, nominated
		// request is the only confirmation it ever gets.
		if pair.State == Succeeded || !c.agent.config.FullMode {
			pair.State = Succeeded
			if c.selectedPair != pair {
				c.setSelectedPair(pair)
			}
			c.setState(ComponentReady)
		}
	}

	mapped := from
	resp := buildBindingSuccess(msg.transactionID, mapped)
	resp.addMessageIntegrity(c.stream.localPassword)
	resp.addFingerprint()
	reader.sendStun(resp, from, nil)
}

// updateComponentState derives the component's state from its pairs
// (spec §4.3.8): failed once every pair has failed and gathering is
// done; connecting while checks remain outstanding.
func (c *Component) updateComponentState() {
	if c.selectedPair != nil {
		return
	}
	allFailed := len(c.pairs) > 0
	anyLive := false
	for _, p := range c.pairs {
		if p.State != Failed {
			allFailed = false
		}
		if p.State == InProgress || p.State == Waiting {
			anyLive = true
		}
	}
	if allFailed && c.discoveryPending == 0 {
		c.setState(ComponentFailed)
		return
	}
	if anyLive {
		c.setState(ComponentConnecting)
	}
}
