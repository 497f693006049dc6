package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/protocol"
)

type fakeAgentSocket struct {
	closed bool
	reason string
}

func (f *fakeAgentSocket) Close(reason string) error {
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeAgentSocket) Send(frame protocol.Frame) error {
	return nil
}

type fakeViewerSocket struct {
	closed  bool
	reason  string
	frames  []protocol.Frame
}

func (f *fakeViewerSocket) Close(reason string) error {
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeViewerSocket) Send(frame protocol.Frame) error {
	f.frames = append(f.frames, frame)
	return nil
}

func TestAddEvictsPriorConnectionAndItsViewers(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	now := time.Now()

	oldAgent := &fakeAgentSocket{}
	r.Add("device-1", oldAgent, Info{}, now)

	viewer := &fakeViewerSocket{}
	if _, ok := r.AllocateChannel("device-1", viewer, protocol.SessionDesktop, "agent-session"); !ok {
		t.Fatal("expected channel allocation to succeed")
	}

	newAgent := &fakeAgentSocket{}
	r.Add("device-1", newAgent, Info{}, now)

	if !oldAgent.closed || oldAgent.reason != "replaced by new connection" {
		t.Fatalf("old agent socket not evicted correctly: %+v", oldAgent)
	}
	if !viewer.closed || viewer.reason != "agent disconnected" {
		t.Fatalf("viewer socket not closed correctly: %+v", viewer)
	}
}

func TestChannelIDsAreMonotonicAndNotReused(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	r.Add("device-1", &fakeAgentSocket{}, Info{}, time.Now())

	v1 := &fakeViewerSocket{}
	ch1, ok := r.AllocateChannel("device-1", v1, protocol.SessionDesktop, "u1")
	if !ok || ch1 != 1 {
		t.Fatalf("first channel = %d, ok=%v, want 1, true", ch1, ok)
	}

	r.RemoveSession("device-1", ch1)

	v2 := &fakeViewerSocket{}
	ch2, ok := r.AllocateChannel("device-1", v2, protocol.SessionTerminal, "u2")
	if !ok || ch2 != 2 {
		t.Fatalf("second channel = %d, ok=%v, want 2, true (must not reuse channel 1)", ch2, ok)
	}
}

func TestAllocateChannelFailsWhenAgentAbsent(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	if _, ok := r.AllocateChannel("missing", &fakeViewerSocket{}, protocol.SessionDesktop, "u1"); ok {
		t.Fatal("expected allocation to fail for an absent agent")
	}
}

func TestCleanupStaleEvictsPastThreshold(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	start := time.Now()
	agent := &fakeAgentSocket{}
	r.Add("device-1", agent, Info{}, start)

	ids := r.CleanupStale(start.Add(95*time.Second), 90*time.Second)
	if len(ids) != 1 || ids[0] != "device-1" {
		t.Fatalf("stale ids = %v, want [device-1]", ids)
	}
	if !agent.closed {
		t.Fatal("expected stale agent socket to be closed")
	}
	if _, ok := r.Get("device-1"); ok {
		t.Fatal("expected connection to be removed from the registry")
	}
}

func TestRemoveDropsEntryAndClosesViewers(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	r.Add("device-1", &fakeAgentSocket{}, Info{}, time.Now())
	viewer := &fakeViewerSocket{}
	r.AllocateChannel("device-1", viewer, protocol.SessionFiles, "u1")

	if !r.Remove("device-1") {
		t.Fatal("expected Remove to report a connection was present")
	}
	if !viewer.closed {
		t.Fatal("expected viewer socket to be closed on Remove")
	}
	if r.Remove("device-1") {
		t.Fatal("second Remove should report nothing present")
	}
}
