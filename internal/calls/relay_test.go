package calls

import (
	"context"
	"errors"
	"testing"
)

func TestRelay_BuffersOutboundUntilRoleKnown(t *testing.T) {
	ch := NewMemoryChannel()
	r := NewRelay(ch, newFakePeer(false), "room-1", nil)
	ctx := context.Background()

	r.Local(ctx, Candidate{Candidate: "c1"})
	r.Local(ctx, Candidate{Candidate: "c2"})
	if n := len(ch.Candidates("room-1", LogJoinerCandidates)) + len(ch.Candidates("room-1", LogInitiatorCandidates)); n != 0 {
		t.Fatalf("expected nothing published before role, got %d", n)
	}

	r.SetRole(ctx, RoleJoiner)
	r.Local(ctx, Candidate{Candidate: "c3"})
	got := ch.Candidates("room-1", LogJoinerCandidates)
	if len(got) != 3 || got[0].Candidate != "c1" || got[2].Candidate != "c3" {
		t.Fatalf("unexpected joiner log %+v", got)
	}
	if n := len(ch.Candidates("room-1", LogInitiatorCandidates)); n != 0 {
		t.Fatalf("initiator log must stay empty, got %d", n)
	}
}

func TestRelay_QueuesInboundUntilRemoteDescription(t *testing.T) {
	pc := newFakePeer(false)
	r := NewRelay(NewMemoryChannel(), pc, "room-1", nil)
	ctx := context.Background()

	r.Remote(ctx, Candidate{Candidate: "c1"})
	r.Remote(ctx, Candidate{Candidate: "c2"})
	if r.Pending() != 2 || len(pc.appliedCandidates()) != 0 {
		t.Fatalf("expected two queued candidates, pending=%d applied=%d", r.Pending(), len(pc.appliedCandidates()))
	}

	_ = pc.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeOffer, SDP: "o"})
	r.Remote(ctx, Candidate{Candidate: "c3"})
	r.Flush(ctx)

	applied := pc.appliedCandidates()
	want := []string{"c1", "c2", "c3"}
	if len(applied) != len(want) {
		t.Fatalf("expected %d applied, got %+v", len(want), applied)
	}
	for i := range want {
		if applied[i].Candidate != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], applied[i].Candidate)
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("expected queue drained")
	}
}

func TestRelay_RetriesOnceOnChannelError(t *testing.T) {
	ch := NewMemoryChannel()
	failures := 1
	ch.SetFault(func(op string) error {
		if op == "append_candidate" && failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	})
	r := NewRelay(ch, newFakePeer(false), "room-1", nil)
	r.SetRole(context.Background(), RoleInitiator)
	r.Local(context.Background(), Candidate{Candidate: "c1"})

	if got := ch.Candidates("room-1", LogInitiatorCandidates); len(got) != 1 {
		t.Fatalf("expected candidate published after retry, got %+v", got)
	}
}

func TestRelay_GivesUpAfterSecondFailure(t *testing.T) {
	ch := NewMemoryChannel()
	attempts := 0
	ch.SetFault(func(op string) error {
		if op == "append_candidate" {
			attempts++
			return errors.New("down")
		}
		return nil
	})
	r := NewRelay(ch, newFakePeer(false), "room-1", nil)
	r.SetRole(context.Background(), RoleInitiator)
	r.Local(context.Background(), Candidate{Candidate: "c1"})

	if attempts != 2 {
		t.Fatalf("expected exactly two attempts, got %d", attempts)
	}
}
