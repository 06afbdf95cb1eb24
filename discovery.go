package ice

import "time"

// Discovery engine (spec §4.2, component C5): turns configured local
// addresses into host candidates, then queries the configured STUN
// server for each to learn a server-reflexive candidate. Grounded on the
// teacher's internal/ice/base.go (initializeBases/gatherCandidates/
// queryStunServer), adapted to the agent's single action-queue reactor
// instead of the teacher's per-base goroutine callbacks.

const srflxDiscoveryID = "srflx"

// gatherComponent binds one socket per configured local address for c,
// creates the corresponding host candidates, and queues one
// server-reflexive discovery send per address onto the agent's Ta-paced
// scheduler (spec §4.2's "requests paced by timer Ta"), skipped entirely
// for an ICE-lite agent (FullMode false, spec §6).
func (a *Agent) gatherComponent(c *Component) error {
	c.setState(ComponentGathering)

	for _, ip := range a.localAddresses {
		sock, err := a.config.SocketFactory.Bind(ip)
		if err != nil {
			return &ResourceError{Reason: "bind local socket", Err: err}
		}
		reader := c.addSocket(sock)
		local := sock.LocalTransportAddress()

		localPref := a.localPrefs.prefFor(local.IP.String())
		host := Candidate{
			StreamID:    c.stream.ID,
			ComponentID: c.ID,
			Type:        CandidateHost,
			Addr:        local,
			BaseAddr:    local,
			Priority:    computePriority(CandidateHost, localPref, c.ID),
			Socket:      sock,
		}
		host.Foundation = computeFoundation(host.Type, host.BaseAddr, "")
		if a.config.MDNSObfuscation {
			host.mdnsName = a.mdnsNameFor(local)
		}
		c.addLocalCandidate(host)

		go reader.run(
			func(msg *stunMessage, from TransportAddress, r *socketReader) {
				a.post(func() { a.dispatchSTUN(c, msg, from, r) })
			},
			func(data []byte, from TransportAddress) {
				c.deliverMedia(data, from)
			},
		)

		if a.config.FullMode && a.config.StunServer != "" {
			c.discoveryPending++
			a.discoveryQueue = append(a.discoveryQueue, func() {
				a.beginReflexiveDiscovery(c, reader, sock, localPref)
			})
		}
	}

	a.checkGatheringDone(c)
	return nil
}

// beginReflexiveDiscovery sends the first Binding Request toward the
// configured STUN server and registers retransmission per spec §4.2.2
// (Ti doubling from 100ms, capped at 1600ms, up to Rc=7 retransmits).
func (a *Agent) beginReflexiveDiscovery(c *Component, reader *socketReader, sock Socket, localPref uint32) {
	serverAddr := TransportAddress{
		Family: addressFamilyOf(a.config.StunServer),
		IP:     resolveOrNil(a.config.StunServer),
		Port:   a.config.StunServerPort,
	}
	if serverAddr.isZero() {
		c.finishReflexiveDiscovery(nil, localPref, sock)
		return
	}

	req := buildBindingRequest("")
	req.addFingerprint()
	txID := req.transactionID

	state := &discoveryState{
		component: c,
		sock:      sock,
		server:    serverAddr,
		localPref: localPref,
		rto:       initialRTO,
	}
	reader.putHandler(txID, func(resp *stunMessage, from TransportAddress) {
		a.post(func() { a.handleReflexiveResponse(state, resp) })
	})

	a.sendReflexiveRequest(reader, state, req)
}

type discoveryState struct {
	component   *Component
	sock        Socket
	server      TransportAddress
	localPref   uint32
	rto         time.Duration
	retransmits int
	txID        string
	reader      *socketReader
}

func (a *Agent) sendReflexiveRequest(reader *socketReader, state *discoveryState, req *stunMessage) {
	state.txID = req.transactionID
	state.reader = reader
	if err := reader.sendStun(req, state.server, nil); err != nil {
		logDiscovery.Debug("srflx request to %s: %s", state.server, err)
		a.finishReflexiveDiscoveryState(state, nil)
		return
	}
	delay := state.rto
	time.AfterFunc(delay, func() {
		a.post(func() { a.retryReflexiveRequest(state) })
	})
}

func (a *Agent) retryReflexiveRequest(state *discoveryState) {
	if state.component.discoveryPending == 0 {
		return // already finished (success or given up)
	}
	reader := state.reader
	if _, ok := reader.popHandler(state.txID); !ok {
		return // response already arrived and handler consumed
	}
	state.retransmits++
	if state.retransmits > maxRetransmit {
		a.finishReflexiveDiscoveryState(state, nil)
		return
	}
	state.rto = nextRTO(state.rto)

	req := buildBindingRequest("")
	req.addFingerprint()
	reader.putHandler(req.transactionID, func(resp *stunMessage, from TransportAddress) {
		a.post(func() { a.handleReflexiveResponse(state, resp) })
	})
	a.sendReflexiveRequest(reader, state, req)
}

func (a *Agent) handleReflexiveResponse(state *discoveryState, resp *stunMessage) {
	if resp.class != stunSuccessResponse {
		a.finishReflexiveDiscoveryState(state, nil)
		return
	}
	mapped, ok := resp.getXorMappedAddress()
	if !ok {
		mapped, ok = resp.getMappedAddress()
	}
	if !ok {
		a.finishReflexiveDiscoveryState(state, nil)
		return
	}
	a.finishReflexiveDiscoveryState(state, &mapped)
}

func (a *Agent) finishReflexiveDiscoveryState(state *discoveryState, mapped *TransportAddress) {
	state.component.finishReflexiveDiscovery(mapped, state.localPref, state.sock)
}

// finishReflexiveDiscovery adds the server-reflexive candidate (if
// discovery succeeded) and decrements the pending count, possibly firing
// EventGatheringDone.
func (c *Component) finishReflexiveDiscovery(mapped *TransportAddress, localPref uint32, sock Socket) {
	if mapped != nil {
		srflx := Candidate{
			StreamID:    c.stream.ID,
			ComponentID: c.ID,
			Type:        CandidateServerReflexive,
			Addr:        *mapped,
			BaseAddr:    sock.LocalTransportAddress(),
			Priority:    computePriority(CandidateServerReflexive, localPref, c.ID),
			Socket:      sock,
			server:      c.agent.config.StunServer,
		}
		srflx.Foundation = computeFoundation(srflx.Type, srflx.BaseAddr, srflx.server)
		c.addLocalCandidate(srflx)
	}
	if c.discoveryPending > 0 {
		c.discoveryPending--
	}
	c.agent.checkGatheringDone(c)
}

// checkGatheringDone emits EventGatheringDone once every component of c's
// own stream has no outstanding discovery work (spec §4.2.3). Gathering
// completion is scoped per stream, not per agent, so that a stream added
// later (e.g. a second media line) gets its own completion event instead
// of being silently skipped because an earlier stream already fired.
func (a *Agent) checkGatheringDone(c *Component) {
	s := c.stream
	if s.gatheringDoneFired {
		return
	}
	for _, comp := range s.components {
		if comp.discoveryPending > 0 {
			return
		}
	}
	s.gatheringDoneFired = true
	a.emit(Event{Kind: EventGatheringDone, StreamID: s.ID})
}
