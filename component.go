package ice

import (
	"context"
	"errors"
)

// ComponentState is the per-component connectivity state machine (spec
// §3/§4.3.8): disconnected -> gathering -> connecting -> {connected,
// failed}; connected -> ready once nomination completes.
type ComponentState int

const (
	ComponentDisconnected ComponentState = iota
	ComponentGathering
	ComponentConnecting
	ComponentConnected
	ComponentReady
	ComponentFailed
)

func (s ComponentState) String() string {
	switch s {
	case ComponentDisconnected:
		return "disconnected"
	case ComponentGathering:
		return "gathering"
	case ComponentConnecting:
		return "connecting"
	case ComponentConnected:
		return "connected"
	case ComponentReady:
		return "ready"
	case ComponentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type mediaPacket struct {
	data []byte
	from TransportAddress
}

// Component is one RTP/RTCP-numbered component of a Stream (spec §3): its
// own sockets, candidates, check list, and connectivity state. All
// mutation happens on the owning Agent's single run-loop goroutine (spec
// §5); mediaCh is the one exception, since it is also read from whatever
// goroutine calls Agent.Recv.
type Component struct {
	ID int

	agent  *Agent
	stream *Stream

	sockets []Socket
	readers []*socketReader

	localCandidates  []Candidate
	remoteCandidates []Candidate

	pairs          []*CandidatePair
	triggeredQueue []*CandidatePair
	nextPairID     int

	state        ComponentState
	selectedPair *CandidatePair

	// discoveryPending counts outstanding gathering transactions (host
	// enumeration is synchronous; server-reflexive discovery is not).
	// Gathering is done, and EventGatheringDone fires, when it reaches 0.
	discoveryPending int

	// initialBindingRequestReceived latches the first time a validated
	// Binding Request arrives on this component. handleStunRequest fires
	// EventInitialBindingRequestReceived only while no component of the
	// stream has latched, so the event fires once per stream.
	initialBindingRequestReceived bool

	mediaCh chan mediaPacket

	// mediaAfterTick latches true when the caller sends media during the
	// current keepalive interval; the keepalive scheduler resets it to
	// false each time it fires (spec §4.3.9).
	mediaAfterTick bool

	closed bool
}

func newComponent(agent *Agent, stream *Stream, id int) *Component {
	return &Component{
		ID:      id,
		agent:   agent,
		stream:  stream,
		state:   ComponentDisconnected,
		mediaCh: make(chan mediaPacket, 64),
	}
}

func (c *Component) setState(s ComponentState) {
	if c.state == s {
		return
	}
	logChecklist.Debug("stream %d component %d: %s -> %s", c.stream.ID, c.ID, c.state, s)
	c.state = s
	c.agent.emit(Event{
		Kind:        EventComponentStateChanged,
		StreamID:    c.stream.ID,
		ComponentID: c.ID,
		State:       s,
	})
	if s == ComponentReady {
		c.agent.maybeStartKeepalive()
	}
}

func (c *Component) addSocket(sock Socket) *socketReader {
	reader := newSocketReader(sock, c)
	c.sockets = append(c.sockets, sock)
	c.readers = append(c.readers, reader)
	return reader
}

// addLocalCandidate records a freshly gathered local candidate and
// notifies the application (spec's EventNewCandidate).
func (c *Component) addLocalCandidate(cand Candidate) *Candidate {
	c.localCandidates = append(c.localCandidates, cand)
	added := &c.localCandidates[len(c.localCandidates)-1]
	c.agent.emit(Event{
		Kind:            EventNewCandidate,
		StreamID:        c.stream.ID,
		ComponentID:     c.ID,
		Candidate:       added.descriptor(),
		LocalFoundation: added.Foundation,
	})
	return added
}

// addRemoteCandidate records a candidate learned either from the
// signalling channel (AddRemoteCandidate) or discovered as peer-reflexive
// during a check (spec §4.3.3). Returns the existing candidate if one
// with the same address already exists, per spec's "addresses are
// deduplicated" invariant.
func (c *Component) addRemoteCandidate(cand Candidate) *Candidate {
	if existing := c.findRemoteCandidate(cand.Addr); existing != nil {
		return existing
	}
	c.remoteCandidates = append(c.remoteCandidates, cand)
	added := &c.remoteCandidates[len(c.remoteCandidates)-1]
	c.agent.emit(Event{
		Kind:             EventNewRemoteCandidate,
		StreamID:         c.stream.ID,
		ComponentID:      c.ID,
		Candidate:        added.descriptor(),
		RemoteFoundation: added.Foundation,
	})
	return added
}

func (c *Component) findLocalCandidate(addr TransportAddress) *Candidate {
	for i := range c.localCandidates {
		if c.localCandidates[i].Addr.Equal(addr) {
			return &c.localCandidates[i]
		}
	}
	return nil
}

func (c *Component) findRemoteCandidate(addr TransportAddress) *Candidate {
	for i := range c.remoteCandidates {
		if c.remoteCandidates[i].Addr.Equal(addr) {
			return &c.remoteCandidates[i]
		}
	}
	return nil
}

// readerFor returns the socketReader bound to the given local candidate's
// socket, if any (host and server-reflexive candidates share a socket per
// base address).
func (c *Component) readerFor(local *Candidate) *socketReader {
	for _, r := range c.readers {
		if r.sock == local.Socket {
			return r
		}
	}
	return nil
}

// deliverMedia hands a non-STUN datagram to whatever is consuming this
// component's media -- buffered in mediaCh for Agent.Recv to pick up.
func (c *Component) deliverMedia(data []byte, from TransportAddress) {
	select {
	case c.mediaCh <- mediaPacket{data: data, from: from}:
	default:
		logSocket.Debug("stream %d component %d: media channel full, dropping packet from %s", c.stream.ID, c.ID, from)
	}
}

// recv blocks until a media packet is available, the context is done, or
// the component is closed. This is the one blocking boundary the
// single-threaded core permits (spec §5): it runs on the caller's
// goroutine, not the agent's run loop.
func (c *Component) recv(ctx context.Context) ([]byte, TransportAddress, error) {
	select {
	case pkt, ok := <-c.mediaCh:
		if !ok {
			return nil, TransportAddress{}, errAgentClosed
		}
		return pkt.data, pkt.from, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, TransportAddress{}, errRecvTimeout
		}
		return nil, TransportAddress{}, ctx.Err()
	}
}

// send writes data over the currently selected pair, if any.
func (c *Component) send(data []byte) error {
	pair := c.selectedPair
	if pair == nil {
		return errNoSelectedPair
	}
	_, err := pair.Local.Socket.WriteTo(data, pair.Remote.Addr.UDPAddr())
	return err
}

func (c *Component) setSelectedPair(pair *CandidatePair) {
	c.selectedPair = pair
	c.agent.emit(Event{
		Kind:             EventNewSelectedPair,
		StreamID:         c.stream.ID,
		ComponentID:      c.ID,
		LocalFoundation:  pair.Local.Foundation,
		RemoteFoundation: pair.Remote.Foundation,
	})
}

func (c *Component) allocatePairID() int {
	c.nextPairID++
	return c.nextPairID
}

func (c *Component) close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, r := range c.readers {
		r.close()
	}
	close(c.mediaCh)
}
