package ice

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Agent is the facade (spec §4.5, component C8) that ties the candidate
// model, discovery engine, check-list engine, and inbound dispatcher
// together into the single external API a caller drives. Grounded on the
// teacher's internal/ice/agent.go, whose Agent similarly owns the
// candidate sets, a checklist, and a run loop reacting to STUN arrivals
// and timers -- generalized here from the teacher's single hard-coded
// component to arbitrary streams/components, and from the teacher's
// per-base goroutine loop (one loop per socket, each with its own Ta
// ticker) to a single action queue so that, per spec §5, all state
// mutation happens on one logical task regardless of how many sockets
// are involved.
//
// All exported methods besides Recv/RecvSock and OnEvent are safe to call
// from any goroutine: they marshal onto the agent's single run-loop
// goroutine and block until it has processed them. OnEvent appends to the
// handler list directly, without marshalling. This is stricter than spec §5
// requires (the facade is explicitly allowed to provide no locking at
// all, pushing serialisation onto the caller), but it costs little and
// removes an entire class of footguns for callers that don't read the
// concurrency section closely. Recv/RecvSock remain the one genuine
// blocking boundary, running on the caller's own goroutine per spec §5.
type Agent struct {
	config Config

	streams      []*Stream
	nextStreamID int

	localAddresses []net.IP
	localPrefs     localPrefTable

	tieBreaker uint64
	role       Role

	eventHandlers []EventHandler

	actions chan func()
	closeCh chan struct{}
	once    sync.Once

	keepaliveArmed bool

	mdns *mdnsClient

	discoveryQueue []func()
}

// NewAgent creates an agent bound to the given socket factory, with every
// spec §6 configuration default applied. Call Configure before AddStream
// to change the STUN server, role, pacing timer, or other options.
func NewAgent(factory SocketFactory) *Agent {
	cfg, err := NewConfig(factory).withDefaults()
	if err != nil {
		// factory is supplied by the caller and is the only thing
		// withDefaults can reject; NewConfig always fills it in.
		logAgent.Panicf("ice: NewAgent: %s", err)
	}
	a := &Agent{
		config:     cfg,
		tieBreaker: randomTieBreaker(),
		role:       Controlling,
		actions:    make(chan func(), 64),
		closeCh:    make(chan struct{}),
	}
	go a.run()
	a.post(a.scheduleTick)
	return a
}

// Configure applies cfg, filling in defaults for zero-valued fields (spec
// §4.5's configure(options)). SocketFactory may be left nil to keep the
// one passed to NewAgent. Call before AddStream; options affecting
// already-gathered candidates (StunServer, FullMode) are not retroactive.
func (a *Agent) Configure(cfg Config) error {
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = a.config.SocketFactory
	}
	resolved, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	a.sync(func() {
		a.config = resolved
		if resolved.ControllingMode {
			a.role = Controlling
		} else {
			a.role = Controlled
		}
	})
	return nil
}

// Role reports the agent's current ICE role, which may have flipped via
// role-conflict resolution (spec §9 supplement: diagnostics accessor).
func (a *Agent) Role() Role {
	var r Role
	a.sync(func() { r = a.role })
	return r
}

func (a *Agent) localIsControlling() bool { return a.role == Controlling }

// run is the single reactor goroutine spec §5 requires: every state
// mutation -- posted socket-reader callbacks, timer firings, and
// sync-wrapped public API calls -- executes here, one at a time.
func (a *Agent) run() {
	for {
		select {
		case <-a.closeCh:
			return
		case f := <-a.actions:
			f()
		}
	}
}

// post schedules f to run on the reactor goroutine without waiting for
// it to complete. Used by socket readers (fd-readable) and timers
// (timer-at), the two reactor primitives spec §5 names.
func (a *Agent) post(f func()) {
	select {
	case a.actions <- f:
	case <-a.closeCh:
	}
}

// sync schedules f on the reactor goroutine and blocks until it has run.
// Exported facade methods use this so they can be called from any
// goroutine; internal code already running on the reactor (timers,
// dispatch callbacks) calls its target methods directly instead.
func (a *Agent) sync(f func()) {
	done := make(chan struct{})
	select {
	case a.actions <- func() { f(); close(done) }:
	case <-a.closeCh:
		return
	}
	select {
	case <-done:
	case <-a.closeCh:
	}
}

// scheduleTick re-arms the Ta pacing timer (spec §4.3.3). It is only ever
// invoked on the reactor goroutine, either from NewAgent's initial post
// or from its own continuation.
func (a *Agent) scheduleTick() {
	time.AfterFunc(a.config.StunPacingTimer, func() {
		a.post(func() {
			a.checklistTick(time.Now())
			a.scheduleTick()
		})
	})
}

// scheduleKeepalive arms the spec §4.3.9 keepalive timer the first time
// any component becomes Ready; once armed it keeps re-arming itself for
// the agent's lifetime; firing when no component is Ready is a no-op.
func (a *Agent) scheduleKeepalive() {
	time.AfterFunc(a.config.KeepaliveInterval, func() {
		a.post(func() {
			a.keepaliveTick()
			a.scheduleKeepalive()
		})
	})
}

func (a *Agent) keepaliveTick() {
	a.forEachComponent(func(c *Component) bool {
		if c.state != ComponentReady || c.selectedPair == nil {
			return true
		}
		if !c.mediaAfterTick {
			ind := buildBindingIndication()
			ind.addFingerprint()
			if reader := c.readerFor(&c.selectedPair.Local); reader != nil {
				if err := reader.sendStun(ind, c.selectedPair.Remote.Addr, nil); err != nil {
					logChecklist.Debug("keepalive indication: %s", err)
				}
			}
		}
		c.mediaAfterTick = false
		return true
	})
}

// AddLocalAddress registers a local interface address that every
// subsequently-added stream's components will gather host (and, if
// configured, server-reflexive) candidates on (spec's add_local_address).
func (a *Agent) AddLocalAddress(ip net.IP) bool {
	a.sync(func() {
		a.localAddresses = append(a.localAddresses, ip)
	})
	return true
}

// AddStream creates a stream of numComponents components, immediately
// starting candidate gathering on every registered local address (spec's
// add_stream). Returns 0 if numComponents < 1 or no local address has
// been registered yet (spec §7 ConfigError: "adding stream before any
// local address").
func (a *Agent) AddStream(numComponents int) int {
	if numComponents < 1 {
		return 0
	}
	var id int
	a.sync(func() {
		if len(a.localAddresses) == 0 {
			logAgent.Debug("%s", errNoLocalAddress)
			return
		}
		a.nextStreamID++
		s := newStream(a, a.nextStreamID, numComponents)
		a.streams = append(a.streams, s)
		for _, c := range s.components {
			if err := a.gatherComponent(c); err != nil {
				logAgent.Debug("stream %d component %d: gather failed: %s", s.ID, c.ID, err)
				c.setState(ComponentFailed)
			}
		}
		id = s.ID
	})
	return id
}

// RemoveStream tears down a stream: cancels its discoveries and
// outstanding transactions, closes its sockets, and discards its
// candidates and pairs (spec's remove_stream).
func (a *Agent) RemoveStream(id int) {
	a.sync(func() {
		for i, s := range a.streams {
			if s.ID == id {
				s.close()
				a.streams = append(a.streams[:i], a.streams[i+1:]...)
				return
			}
		}
	})
}

func (a *Agent) findStream(id int) *Stream {
	for _, s := range a.streams {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SetRemoteCredentials installs the peer's ufrag/password for a stream,
// learned out of band via signalling (spec's set_remote_credentials). Any
// pairs already formed from remote candidates learned before this call
// get their foundation groups elected (spec §4.3.1 step 4).
func (a *Agent) SetRemoteCredentials(streamID int, ufrag, password string) bool {
	ok := false
	a.sync(func() {
		s := a.findStream(streamID)
		if s == nil {
			return
		}
		s.setRemoteCredentials(ufrag, password)
		s.electFoundationGroups()
		ok = true
	})
	return ok
}

// GetLocalCredentials returns this stream's local ufrag/password (spec's
// get_local_credentials), generated randomly when the stream was added.
func (a *Agent) GetLocalCredentials(streamID int) (ufrag, password string) {
	a.sync(func() {
		if s := a.findStream(streamID); s != nil {
			ufrag, password = s.localCredentials()
		}
	})
	return
}

// AddRemoteCandidate installs one candidate learned from signalling (spec's
// add_remote_candidate). If d names an mDNS ".local" host and MDNS
// obfuscation is enabled, it is resolved via one-shot multicast query
// before being admitted -- that resolution blocks the calling goroutine
// (not the reactor) for up to 2 seconds.
func (a *Agent) AddRemoteCandidate(streamID, componentID int, d CandidateDescriptor) bool {
	if d.MDNSName != "" {
		var mdnsEnabled bool
		a.sync(func() { mdnsEnabled = a.config.MDNSObfuscation })
		if mdnsEnabled {
			ip, ok := a.resolveMDNSName(d.MDNSName)
			if !ok {
				return false
			}
			d.Addr.IP = ip
		}
	}
	ok := false
	a.sync(func() {
		s := a.findStream(streamID)
		if s == nil {
			return
		}
		c := s.component(componentID)
		if c == nil {
			return
		}
		cand := candidateFromDescriptor(streamID, d)
		if cand.Foundation == "" {
			cand.Foundation = computeFoundation(cand.Type, cand.BaseAddr, "")
		}
		c.addRemoteCandidate(cand)
		c.addCandidatePairs()
		ok = true
	})
	return ok
}

// SetRemoteCandidates installs a full batch of remote candidates at once
// (spec's set_remote_candidates), returning the number actually admitted,
// or -1 if the component doesn't exist and nothing was admitted.
func (a *Agent) SetRemoteCandidates(streamID, componentID int, list []CandidateDescriptor) int {
	count := 0
	for _, d := range list {
		if a.AddRemoteCandidate(streamID, componentID, d) {
			count++
		}
	}
	if count == 0 && len(list) > 0 {
		return -1
	}
	return count
}

// Send writes data over a component's selected pair, returning the
// number of bytes written or -1 if no pair has been selected yet (spec's
// send). Marks the component's media_after_tick flag so the keepalive
// scheduler skips this interval's Binding Indication (spec §4.3.9).
func (a *Agent) Send(streamID, componentID int, data []byte) int {
	n := -1
	a.sync(func() {
		s := a.findStream(streamID)
		if s == nil {
			return
		}
		c := s.component(componentID)
		if c == nil {
			return
		}
		if err := c.send(data); err != nil {
			return
		}
		c.mediaAfterTick = true
		n = len(data)
	})
	return n
}

// Recv blocks until a media datagram arrives on the given component, the
// timeout elapses, or the agent closes (spec §9 design note: "keep the
// blocking variant for test harnesses only, with an explicit timeout
// parameter"). A timeout <= 0 waits indefinitely.
func (a *Agent) Recv(streamID, componentID int, timeout time.Duration) ([]byte, TransportAddress, error) {
	var s *Stream
	var c *Component
	a.sync(func() {
		s = a.findStream(streamID)
		if s != nil {
			c = s.component(componentID)
		}
	})
	if s == nil {
		return nil, TransportAddress{}, errNoSuchStream
	}
	if c == nil {
		return nil, TransportAddress{}, errNoSuchComponent
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.recv(ctx)
}

// RecvSock reads one datagram directly off a raw socket, bypassing
// component routing entirely -- a lower-level escape hatch for test
// harnesses driving a Socket that was never registered with a Component
// (e.g. a standalone STUN responder mock).
func (a *Agent) RecvSock(sock Socket, buf []byte, timeout time.Duration) (int, TransportAddress, error) {
	if timeout > 0 {
		if err := sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, TransportAddress{}, err
		}
		defer sock.SetReadDeadline(time.Time{})
	}
	n, addr, err := sock.ReadFrom(buf)
	if err != nil {
		return 0, TransportAddress{}, err
	}
	return n, MakeTransportAddress(addr), nil
}

// PollRead reports which of extra are currently readable without
// blocking or consuming their data, using a zero-timeout poll(2) probe
// (spec's poll_read, the design note's "fd-readable" primitive exposed
// for a caller's own extra descriptors rather than ones this agent
// already owns). cb, if non-nil, is invoked once per ready socket.
func (a *Agent) PollRead(extra []Socket, cb func(Socket)) []Socket {
	var ready []Socket
	for _, sock := range extra {
		sc, ok := sock.(syscallConn)
		if !ok {
			continue
		}
		rc, err := sc.SyscallConn()
		if err != nil {
			continue
		}
		readable := false
		rc.Read(func(fd uintptr) bool {
			readable = pollFDReadable(fd)
			return true
		})
		if readable {
			ready = append(ready, sock)
			if cb != nil {
				cb(sock)
			}
		}
	}
	return ready
}

type syscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// pollFDReadable issues a zero-timeout poll(2) on fd, reusing the same
// golang.org/x/sys/unix low-level-socket-option idiom socket.go already
// applies to SO_REUSEADDR, generalized here to readiness polling instead
// of option setting.
func pollFDReadable(fd uintptr) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

// AttachMainContext schedules cb to run once on the reactor goroutine,
// after the actions (socket callbacks, timer firings, API calls) already
// queued ahead of it; it does not wait for any further event. This is the callback
// style the design note prefers over the blocking Recv entry point for
// embedding goice's reactor inside a caller's own main loop (spec's
// attach_main_context). Returns false if the agent is already closed.
func (a *Agent) AttachMainContext(cb func()) bool {
	select {
	case <-a.closeCh:
		return false
	default:
	}
	a.post(cb)
	return true
}

// Close tears down the agent: timers, sockets, and streams, in the order
// spec §5 specifies (discovery timers -> check timers -> keepalive ->
// per-stream sockets -> streams). The reactor goroutine exits once
// closeCh is closed; any already-scheduled timer callbacks become no-ops
// the next time they try to post (see scheduleTick/scheduleKeepalive).
func (a *Agent) Close() {
	a.once.Do(func() {
		close(a.closeCh)
		for _, s := range a.streams {
			s.close()
		}
		a.streams = nil
	})
}

// dispatchSTUN routes a parsed STUN message arriving on component c's
// socket to the check-list engine (spec §4.3.5 for responses, §4.3.6 for
// requests), per the inbound dispatcher's classification (spec §4.4).
// Always runs on the reactor goroutine, posted there by the owning
// socketReader.
func (a *Agent) dispatchSTUN(c *Component, msg *stunMessage, from TransportAddress, reader *socketReader) {
	switch msg.class {
	case stunRequest:
		local := c.findLocalCandidate(reader.sock.LocalTransportAddress())
		if local == nil {
			logChecklist.Debug("STUN request on socket with no matching local candidate: %s", reader.sock.LocalTransportAddress())
			return
		}
		c.handleStunRequest(msg, from, reader, local)
	case stunIndication:
		// Keepalive indications carry no payload worth acting on.
	case stunSuccessResponse, stunErrorResponse:
		if h, ok := reader.popHandler(msg.transactionID); ok {
			h(msg, from)
		}
	}
}

// detectRoleConflict implements RFC 8445 §7.3.1.1's role-conflict rule
// (spec §4.3.6 step 4): conflict only when the peer claims the same role
// we believe we have. sendConflictResponse reports whether we should
// reply 487 and keep our role (true) or silently switch our own role
// (false) -- which side of that the tie-breaker comparison picks depends
// on which role is in conflict, so it's resolved here rather than at the
// call site.
func (a *Agent) detectRoleConflict(theirRole Role, theirTieBreaker uint64) (conflict, sendConflictResponse bool) {
	if theirRole != a.role {
		return false, false
	}
	if a.role == Controlling {
		return true, a.tieBreaker >= theirTieBreaker
	}
	return true, a.tieBreaker < theirTieBreaker
}

// switchRole flips controlling <-> controlled and recomputes every
// component's check-list ordering (spec §9 REDESIGN FLAG: the source
// only partially handled this; recomputation is mandatory here since
// CandidatePair.Priority depends on which side is controlling).
func (a *Agent) switchRole() {
	if a.role == Controlling {
		a.role = Controlled
	} else {
		a.role = Controlling
	}
	logAgent.Debug("ice: role conflict resolved, now %s", a.role)
	a.forEachComponent(func(c *Component) bool {
		c.sortAndPrune()
		return true
	})
}

// handleRoleConflict reacts to a 487 Role Conflict response to one of our
// own checks (spec §4.3.5): the responder only sends 487 when its own
// tie-breaker comparison requires us to switch, so on receipt we switch
// unconditionally rather than re-deriving the comparison from a
// tie-breaker RFC 5389 error responses don't carry.
func (a *Agent) handleRoleConflict(resp *stunMessage) {
	a.switchRole()
}

// maybeStartKeepalive arms the keepalive timer the first time any
// component reaches Ready; a sync.Once-like latch on the agent avoids
// starting more than one timer chain.
func (a *Agent) maybeStartKeepalive() {
	if a.keepaliveArmed {
		return
	}
	a.keepaliveArmed = true
	a.scheduleKeepalive()
}
