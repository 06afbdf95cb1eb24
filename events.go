package ice

// EventKind identifies which of the spec §4.5 named events an Event
// carries. The source used a dynamic, runtime-resolved signal mechanism;
// this is the typed observer contract design note §9 asks for in its
// place. Delivery is synchronous, on the agent's single run-loop
// goroutine -- a listener must not block or call back into the Agent.
type EventKind int

const (
	// EventComponentStateChanged fires whenever a component's state
	// machine (spec §4.3.8) transitions. StreamID/ComponentID/State are
	// populated.
	EventComponentStateChanged EventKind = iota + 1

	// EventGatheringDone fires once per stream, when every scheduled
	// discovery for that stream has either succeeded or exhausted its
	// retransmissions. StreamID is populated.
	EventGatheringDone

	// EventNewCandidate fires once per local candidate, before that
	// candidate can appear as the Local side of an EventNewSelectedPair.
	// Candidate is populated.
	EventNewCandidate

	// EventNewRemoteCandidate fires once per remote candidate learned
	// either from the signalling channel or via peer-reflexive discovery.
	// Candidate is populated.
	EventNewRemoteCandidate

	// EventNewSelectedPair fires once per component, when its state
	// reaches Ready. LocalFoundation/RemoteFoundation are populated.
	EventNewSelectedPair

	// EventInitialBindingRequestReceived fires once per stream, the first
	// time any Binding Request arrives for it.
	EventInitialBindingRequestReceived
)

func (k EventKind) String() string {
	switch k {
	case EventComponentStateChanged:
		return "component-state-changed"
	case EventGatheringDone:
		return "candidate-gathering-done"
	case EventNewCandidate:
		return "new-candidate"
	case EventNewRemoteCandidate:
		return "new-remote-candidate"
	case EventNewSelectedPair:
		return "new-selected-pair"
	case EventInitialBindingRequestReceived:
		return "initial-binding-request-received"
	default:
		return "unknown-event"
	}
}

// Event is the single type delivered to every registered observer. Only
// the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	StreamID    int
	ComponentID int
	State       ComponentState

	Candidate CandidateDescriptor

	LocalFoundation  string
	RemoteFoundation string
}

// EventHandler receives Events synchronously on the agent's run loop.
type EventHandler func(Event)

func (a *Agent) emit(ev Event) {
	for _, h := range a.eventHandlers {
		h(ev)
	}
}

// OnEvent registers an observer for every event named in spec §4.5.
// Handlers are invoked synchronously and in registration order; register
// before calling AddStream to avoid missing early events.
func (a *Agent) OnEvent(h EventHandler) {
	a.eventHandlers = append(a.eventHandlers, h)
}
