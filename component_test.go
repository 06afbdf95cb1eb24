package ice

import (
	"context"
	"testing"
	"time"
)

func TestComponentStateStringAndTransitionEmitsEvent(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	var events []Event
	agent.OnEvent(func(e Event) { events = append(events, e) })

	c.setState(ComponentGathering)
	c.setState(ComponentGathering) // no-op: same state must not re-emit

	if len(events) != 1 {
		t.Fatalf("expected exactly one event for one real transition, got %d", len(events))
	}
	if events[0].Kind != EventComponentStateChanged || events[0].State != ComponentGathering {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestAddLocalCandidateEmitsNewCandidate(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	var got *Event
	agent.OnEvent(func(e Event) {
		if e.Kind == EventNewCandidate {
			got = &e
		}
	})

	cand := localCand(100, testAddr("10.0.0.1", 1000), "f1")
	c.addLocalCandidate(cand)

	if got == nil {
		t.Fatalf("expected EventNewCandidate to fire")
	}
	if got.Candidate.Foundation != "f1" {
		t.Errorf("event candidate foundation = %q, want f1", got.Candidate.Foundation)
	}
	if len(c.localCandidates) != 1 {
		t.Errorf("expected the candidate to be recorded")
	}
}

func TestAddRemoteCandidateDeduplicatesByAddress(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	addr := testAddr("203.0.113.7", 60000)
	first := c.addRemoteCandidate(remoteCand(100, addr, "r1"))
	second := c.addRemoteCandidate(remoteCand(999, addr, "r2"))

	if len(c.remoteCandidates) != 1 {
		t.Fatalf("expected duplicate address to be rejected, got %d remote candidates", len(c.remoteCandidates))
	}
	if first.Foundation != second.Foundation {
		t.Errorf("expected the existing candidate to be returned unchanged")
	}
}

func TestComponentSendNoSelectedPair(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	if err := c.send([]byte("hi")); err != errNoSelectedPair {
		t.Errorf("send() without a selected pair = %v, want errNoSelectedPair", err)
	}
}

func TestComponentRecvDeliversMedia(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	from := testAddr("1.2.3.4", 9999)
	c.deliverMedia([]byte("payload"), from)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, gotFrom, err := c.recv(ctx)
	if err != nil {
		t.Fatalf("recv: %s", err)
	}
	if string(data) != "payload" || !gotFrom.Equal(from) {
		t.Errorf("recv() = %q, %s, want payload, %s", data, gotFrom, from)
	}
}

func TestComponentRecvTimesOut(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := c.recv(ctx)
	if err == nil {
		t.Errorf("expected a timeout error when no media arrives")
	}
}

func TestSetSelectedPairEmitsNewSelectedPair(t *testing.T) {
	agent := &Agent{role: Controlling}
	stream := &Stream{ID: 1, agent: agent}
	c := newComponent(agent, stream, 1)

	var got *Event
	agent.OnEvent(func(e Event) {
		if e.Kind == EventNewSelectedPair {
			got = &e
		}
	})

	pair := newCandidatePair(1, localCand(1, testAddr("1.1.1.1", 1), "lf"), remoteCand(1, testAddr("2.2.2.2", 2), "rf"))
	c.setSelectedPair(pair)

	if got == nil {
		t.Fatalf("expected EventNewSelectedPair to fire")
	}
	if got.LocalFoundation != "lf" || got.RemoteFoundation != "rf" {
		t.Errorf("unexpected foundations on event: %+v", got)
	}
	if c.selectedPair != pair {
		t.Errorf("selectedPair was not recorded")
	}
}
