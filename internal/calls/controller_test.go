package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type rig struct {
	ch      *MemoryChannel
	factory *fakeFactory
	source  *fakeSource
	mgr     *Manager
}

func newRig(ch *MemoryChannel, autoConnect bool, opts Options) *rig {
	r := &rig{
		ch:      ch,
		factory: &fakeFactory{autoConnect: autoConnect},
		source:  &fakeSource{},
	}
	r.mgr = NewManager(ch, r.factory, r.source, opts)
	return r
}

func waitDone(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s did not finish", c.ID())
	}
}

func TestCall_HappyPath(t *testing.T) {
	ch := NewMemoryChannel()
	ra := newRig(ch, true, Options{})
	rb := newRig(ch, true, Options{})
	ctx := context.Background()
	obsA, obsB := newRecorder(), newRecorder()

	a, err := ra.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A", Name: "Ann"}, MediaAudioVideo, obsA.observer())
	if err != nil {
		t.Fatalf("A start: %v", err)
	}
	if a.Role() != RoleInitiator {
		t.Fatalf("expected A initiator, got %s", a.Role())
	}
	waitFor(t, "offer", func() bool {
		rec, ok := recordOf(t, ch, "room-1")
		return ok && rec.Offer != nil && rec.Status == StatusRinging
	})

	b, err := rb.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B", Name: "Bob"}, MediaAudioVideo, obsB.observer())
	if err != nil {
		t.Fatalf("B join: %v", err)
	}
	if b.Role() != RoleJoiner {
		t.Fatalf("expected B joiner, got %s", b.Role())
	}

	obsA.waitActive(t)
	obsB.waitActive(t)
	if a.State() != StateActive || b.State() != StateActive {
		t.Fatalf("expected both active, got %s / %s", a.State(), b.State())
	}
	rec, _ := recordOf(t, ch, "room-1")
	if rec.Status != StatusActive || rec.Answer == nil || rec.JoinerID != "B" || rec.JoinerName != "Bob" {
		t.Fatalf("unexpected active record %+v", rec)
	}
	if a.Snapshot().Peer != "Bob" || b.Snapshot().Peer != "Ann" {
		t.Fatalf("peer names not tracked: %+v / %+v", a.Snapshot(), b.Snapshot())
	}

	pb := rb.factory.last()
	waitFor(t, "A's candidate at B", func() bool { return len(pb.appliedCandidates()) > 0 })

	ra.mgr.EndCall(a)
	waitDone(t, a)
	waitDone(t, b)

	if _, ok := recordOf(t, ch, "room-1"); ok {
		t.Fatalf("expected record purged")
	}
	if n := len(ch.Candidates("room-1", LogInitiatorCandidates)) + len(ch.Candidates("room-1", LogJoinerCandidates)); n != 0 {
		t.Fatalf("expected candidate logs purged, %d left", n)
	}

	endedA, errsA := obsA.endings()
	endedB, errsB := obsB.endings()
	if len(endedA) != 1 || endedA[0].Reason != ReasonLocal || len(errsA) != 0 {
		t.Fatalf("A: ended=%+v errs=%v", endedA, errsA)
	}
	if len(endedB) != 1 || endedB[0].Reason != ReasonRemote || len(errsB) != 0 {
		t.Fatalf("B: ended=%+v errs=%v", endedB, errsB)
	}
	if a.State() != StateEnded || b.State() != StateEnded {
		t.Fatalf("expected both ended, got %s / %s", a.State(), b.State())
	}
	if !ra.source.allStopped() || !rb.source.allStopped() {
		t.Fatalf("local tracks must be stopped")
	}
	if !ra.factory.last().isClosed() || !pb.isClosed() {
		t.Fatalf("peer connections must be closed")
	}
	if ra.mgr.Active() != 0 || rb.mgr.Active() != 0 {
		t.Fatalf("managers still track live calls")
	}
	for _, s := range []State{StateAcquiringMedia, StateRoleResolved, StateNegotiating, StateConnecting, StateActive, StateEnding, StateEnded} {
		if !obsA.seen(s) {
			t.Fatalf("A never passed through %s", s)
		}
	}
}

func TestCall_TeardownIsIdempotent(t *testing.T) {
	r := newRig(NewMemoryChannel(), true, Options{})
	obs := newRecorder()
	a, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, obs.observer())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "negotiating", func() bool { return a.State() == StateNegotiating })

	a.End()
	a.End()
	waitDone(t, a)
	a.finish(originLocal, ReasonLocal, nil)
	a.teardown(originLocal)
	a.End()

	ended, errs := obs.endings()
	if len(ended) != 1 || len(errs) != 0 {
		t.Fatalf("expected exactly one end notification, ended=%+v errs=%v", ended, errs)
	}
	if _, ok := recordOf(t, r.ch, "room-1"); ok {
		t.Fatalf("expected record purged")
	}
	if a.State() != StateEnded {
		t.Fatalf("expected ended, got %s", a.State())
	}
}

func TestCall_ThreeParticipantsOneBusy(t *testing.T) {
	ch := NewMemoryChannel()
	rigs := []*rig{newRig(ch, true, Options{}), newRig(ch, true, Options{}), newRig(ch, true, Options{})}
	ids := []string{"A", "B", "C"}
	calls := make([]*Call, 3)
	errs := make([]error, 3)

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			calls[i], errs[i] = rigs[i].mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: ids[i]}, MediaAudioOnly, Observer{})
		}(i)
	}
	wg.Wait()

	roles := map[Role]int{}
	busy := 0
	for i := range ids {
		if errors.Is(errs[i], ErrCallBusy) {
			busy++
			continue
		}
		if errs[i] != nil {
			t.Fatalf("%s: %v", ids[i], errs[i])
		}
		roles[calls[i].Role()]++
	}
	if roles[RoleInitiator] != 1 || roles[RoleJoiner] != 1 || busy != 1 {
		t.Fatalf("roles=%v busy=%d", roles, busy)
	}

	for _, r := range rigs {
		if err := r.mgr.Close(context.Background()); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestCall_StaleRecordIsReplaced(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	stale := ringing("room-1", "X", MediaAudioOnly)
	stale.Status = StatusEndedByInitiator
	_ = ch.CreateRecord(ctx, stale)
	_ = ch.AppendCandidate(ctx, "room-1", LogJoinerCandidates, Candidate{Candidate: "leftover"})

	r := newRig(ch, true, Options{})
	obs := newRecorder()
	a, err := r.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A"}, MediaAudioVideo, obs.observer())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.Role() != RoleInitiator {
		t.Fatalf("expected initiator, got %s", a.Role())
	}
	waitFor(t, "offer", func() bool {
		rec, ok := recordOf(t, ch, "room-1")
		return ok && rec.Offer != nil
	})
	rec, _ := recordOf(t, ch, "room-1")
	if rec.InitiatorID != "A" || rec.Status != StatusRinging || rec.MediaMode != MediaAudioVideo {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := ch.Candidates("room-1", LogJoinerCandidates); len(got) != 0 {
		t.Fatalf("leftover candidates visible: %+v", got)
	}
	if got := r.factory.last().appliedCandidates(); len(got) != 0 {
		t.Fatalf("leftover candidates applied: %+v", got)
	}
	a.End()
	waitDone(t, a)
}

func TestCall_ModeMismatchLeavesPeerUntouched(t *testing.T) {
	ch := NewMemoryChannel()
	ra := newRig(ch, true, Options{})
	rb := newRig(ch, true, Options{})
	ctx := context.Background()

	a, err := ra.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A"}, MediaAudioVideo, Observer{})
	if err != nil {
		t.Fatalf("A start: %v", err)
	}
	obsB := newRecorder()
	_, err = rb.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, obsB.observer())
	if !errors.Is(err, ErrCallTypeMismatch) {
		t.Fatalf("expected ErrCallTypeMismatch, got %v", err)
	}
	obsB.waitFinal(t)
	_, kinds := obsB.endings()
	if len(kinds) != 1 || kinds[0] != KindCallTypeMismatch {
		t.Fatalf("expected one call_type_mismatch error, got %v", kinds)
	}
	pb := rb.factory.last()
	if got := pb.sets(); len(got) != 0 {
		t.Fatalf("expected no description mutation, got %v", got)
	}
	if !pb.isClosed() || !rb.source.allStopped() {
		t.Fatalf("mismatch must still release local resources")
	}
	rec, _ := recordOf(t, ch, "room-1")
	if rec.JoinerID != "" || rec.Status != StatusRinging {
		t.Fatalf("record must be untouched, got %+v", rec)
	}

	a.End()
	waitDone(t, a)
}

func TestCall_MediaDenied(t *testing.T) {
	r := newRig(NewMemoryChannel(), true, Options{})
	r.source.err = ErrMediaDenied
	obs := newRecorder()

	_, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, obs.observer())
	if !errors.Is(err, ErrMediaDenied) {
		t.Fatalf("expected ErrMediaDenied, got %v", err)
	}
	obs.waitFinal(t)
	_, kinds := obs.endings()
	if len(kinds) != 1 || kinds[0] != KindMediaDenied {
		t.Fatalf("expected media_denied, got %v", kinds)
	}
	if _, ok := recordOf(t, r.ch, "room-1"); ok {
		t.Fatalf("no record may be written without media")
	}
}

func TestCall_RejectEndsInitiatorAsDeclined(t *testing.T) {
	ch := NewMemoryChannel()
	ra := newRig(ch, true, Options{})
	rb := newRig(ch, true, Options{})
	ctx := context.Background()
	obs := newRecorder()

	var incoming []Incoming
	var mu sync.Mutex
	sub, err := rb.mgr.WatchIncoming(ctx, "room-1", Participant{ID: "B"}, func(in Incoming) {
		mu.Lock()
		incoming = append(incoming, in)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Unsubscribe()

	a, err := ra.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A", Name: "Ann"}, MediaAudioOnly, obs.observer())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "incoming call", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(incoming) > 0
	})
	mu.Lock()
	if incoming[0].CallerName != "Ann" || incoming[0].MediaMode != MediaAudioOnly {
		t.Fatalf("unexpected incoming %+v", incoming[0])
	}
	mu.Unlock()

	if err := rb.mgr.Reject(ctx, "room-1", Participant{ID: "B"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitDone(t, a)
	ended, _ := obs.endings()
	if len(ended) != 1 || ended[0].Reason != ReasonDeclined {
		t.Fatalf("expected declined, got %+v", ended)
	}

	// The declined record is stale and gets replaced by the next attempt.
	b, err := rb.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, Observer{})
	if err != nil || b.Role() != RoleInitiator {
		t.Fatalf("expected fresh initiator after decline, err=%v", err)
	}
	b.End()
	waitDone(t, b)
}

func TestCall_RejectOwnCallFails(t *testing.T) {
	r := newRig(NewMemoryChannel(), true, Options{})
	a, _ := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, Observer{})
	if err := r.mgr.Reject(context.Background(), "room-1", Participant{ID: "A"}); !errors.Is(err, ErrInvalidCallState) {
		t.Fatalf("expected ErrInvalidCallState, got %v", err)
	}
	a.End()
	waitDone(t, a)
}

func TestCall_RingTimeoutIsMissed(t *testing.T) {
	r := newRig(NewMemoryChannel(), true, Options{RingTimeout: 50 * time.Millisecond})
	obs := newRecorder()
	a, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, obs.observer())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, a)
	ended, errs := obs.endings()
	if len(ended) != 1 || ended[0].Reason != ReasonMissed || len(errs) != 0 {
		t.Fatalf("expected missed, ended=%+v errs=%v", ended, errs)
	}
	if _, ok := recordOf(t, r.ch, "room-1"); ok {
		t.Fatalf("expected record purged after missed call")
	}
}

func TestCall_ConnectTimeout(t *testing.T) {
	ch := NewMemoryChannel()
	ra := newRig(ch, false, Options{ConnectTimeout: 100 * time.Millisecond})
	rb := newRig(ch, false, Options{ConnectTimeout: 10 * time.Second})
	ctx := context.Background()
	obsA, obsB := newRecorder(), newRecorder()

	a, _ := ra.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A"}, MediaAudioOnly, obsA.observer())
	b, err := rb.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, obsB.observer())
	if err != nil {
		t.Fatalf("B join: %v", err)
	}

	waitDone(t, a)
	_, kinds := obsA.endings()
	if len(kinds) != 1 || kinds[0] != KindConnectionTimeout {
		t.Fatalf("expected connection_timeout, got %v", kinds)
	}
	if !errors.Is(a.Err(), ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", a.Err())
	}

	waitDone(t, b)
	ended, _ := obsB.endings()
	if len(ended) != 1 || ended[0].Reason != ReasonRemote {
		t.Fatalf("expected B to end remotely, got %+v", ended)
	}
}

func TestCall_ConnectionLostAfterActive(t *testing.T) {
	ch := NewMemoryChannel()
	ra := newRig(ch, true, Options{})
	rb := newRig(ch, true, Options{})
	ctx := context.Background()
	obsA, obsB := newRecorder(), newRecorder()

	a, _ := ra.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A"}, MediaAudioOnly, obsA.observer())
	b, _ := rb.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, obsB.observer())
	obsA.waitActive(t)
	obsB.waitActive(t)

	rb.factory.last().emit(ConnectionFailed)
	waitDone(t, b)
	waitDone(t, a)

	endedB, errsB := obsB.endings()
	if len(endedB) != 1 || endedB[0].Reason != ReasonConnectionLost || len(errsB) != 0 {
		t.Fatalf("B: ended=%+v errs=%v", endedB, errsB)
	}
	endedA, _ := obsA.endings()
	if len(endedA) != 1 || endedA[0].Reason != ReasonRemote {
		t.Fatalf("A: ended=%+v", endedA)
	}
	if _, ok := recordOf(t, ch, "room-1"); ok {
		t.Fatalf("expected record purged")
	}
}

func TestCall_JoinerWaitsForOffer(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	// An initiator that has created the record but not yet published an offer.
	_ = ch.CreateRecord(ctx, ringing("room-1", "A", MediaAudioOnly))

	r := newRig(ch, true, Options{})
	obs := newRecorder()
	b, err := r.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, obs.observer())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "negotiating", func() bool { return b.State() == StateNegotiating })
	if got := r.factory.last().sets(); len(got) != 0 {
		t.Fatalf("joiner must not negotiate before the offer, got %v", got)
	}

	offer := SessionDescription{Type: SDPTypeOffer, SDP: "v=0 late offer"}
	if err := ch.UpdateRecord(ctx, "room-1", Update{Offer: &offer}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	waitFor(t, "answer", func() bool {
		rec, _ := recordOf(t, ch, "room-1")
		return rec.Answer != nil && rec.Status == StatusActive
	})
	b.End()
	waitDone(t, b)
}

func TestCall_JoinerGivesUpWithoutOffer(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	_ = ch.CreateRecord(ctx, ringing("room-1", "A", MediaAudioOnly))

	r := newRig(ch, true, Options{ConnectTimeout: 100 * time.Millisecond, RingTimeout: 100 * time.Millisecond})
	obs := newRecorder()
	b, err := r.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, obs.observer())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitDone(t, b)

	ended, errs := obs.endings()
	if len(ended) != 0 || len(errs) != 1 || errs[0] != KindConnectionTimeout {
		t.Fatalf("expected a single connection timeout, got ended=%+v errs=%v", ended, errs)
	}
	if b.State() != StateFailed {
		t.Fatalf("expected failed, got %s", b.State())
	}
	if got := r.factory.last().sets(); len(got) != 0 {
		t.Fatalf("joiner negotiated without an offer: %v", got)
	}
	if _, ok := recordOf(t, ch, "room-1"); ok {
		t.Fatalf("expected record released")
	}
}

func TestCall_RemoteEndClearsOwnLog(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()
	r := newRig(ch, true, Options{})
	obs := newRecorder()
	a, err := r.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A"}, MediaAudioOnly, obs.observer())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "initiator candidate", func() bool { return len(ch.Candidates("room-1", LogInitiatorCandidates)) > 0 })

	// The other side removes the record without touching the logs.
	if err := ch.DeleteRecord(ctx, "room-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitDone(t, a)

	ended, _ := obs.endings()
	if len(ended) != 1 || ended[0].Reason != ReasonRemote {
		t.Fatalf("expected remote end, got %+v", ended)
	}
	if got := ch.Candidates("room-1", LogInitiatorCandidates); len(got) != 0 {
		t.Fatalf("own candidates outlived the record: %+v", got)
	}
}

func TestCall_ConcurrentEndLeavesNothingBehind(t *testing.T) {
	for i := 0; i < 20; i++ {
		ch := NewMemoryChannel()
		ra := newRig(ch, true, Options{})
		rb := newRig(ch, true, Options{})
		ctx := context.Background()
		obsA, obsB := newRecorder(), newRecorder()

		a, err := ra.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "A"}, MediaAudioOnly, obsA.observer())
		if err != nil {
			t.Fatalf("A start: %v", err)
		}
		waitFor(t, "offer", func() bool {
			rec, ok := recordOf(t, ch, "room-1")
			return ok && rec.Offer != nil
		})
		b, err := rb.mgr.StartOrJoinCall(ctx, "room-1", Participant{ID: "B"}, MediaAudioOnly, obsB.observer())
		if err != nil {
			t.Fatalf("B join: %v", err)
		}
		obsA.waitActive(t)
		obsB.waitActive(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); a.End() }()
		go func() { defer wg.Done(); b.End() }()
		wg.Wait()
		waitDone(t, a)
		waitDone(t, b)

		for name, obs := range map[string]*recorder{"A": obsA, "B": obsB} {
			ended, errs := obs.endings()
			if len(ended)+len(errs) != 1 || len(errs) != 0 {
				t.Fatalf("%s: expected one normal end, got ended=%+v errs=%v", name, ended, errs)
			}
		}
		if _, ok := recordOf(t, ch, "room-1"); ok {
			t.Fatalf("expected record purged")
		}
		if n := len(ch.Candidates("room-1", LogInitiatorCandidates)) + len(ch.Candidates("room-1", LogJoinerCandidates)); n != 0 {
			t.Fatalf("expected empty logs, %d candidates left", n)
		}
	}
}

// gatedChannel parks the first call of one record operation until released
// or the caller's context ends.
type gatedChannel struct {
	*MemoryChannel
	op      string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedChannel(op string) *gatedChannel {
	return &gatedChannel{
		MemoryChannel: NewMemoryChannel(),
		op:            op,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedChannel) wait(ctx context.Context, op string) error {
	if op != g.op {
		return nil
	}
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return nil
	}
	close(g.entered)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedChannel) GetRecord(ctx context.Context, callID string) (Record, bool, error) {
	if err := g.wait(ctx, "get"); err != nil {
		return Record{}, false, err
	}
	return g.MemoryChannel.GetRecord(ctx, callID)
}

func (g *gatedChannel) CreateRecord(ctx context.Context, rec Record) error {
	if err := g.wait(ctx, "create"); err != nil {
		return err
	}
	return g.MemoryChannel.CreateRecord(ctx, rec)
}

func TestManager_EndWhileSetupBlocked(t *testing.T) {
	for _, op := range []string{"get", "create"} {
		t.Run(op, func(t *testing.T) {
			ch := newGatedChannel(op)
			defer close(ch.release)
			mgr := NewManager(ch, &fakeFactory{autoConnect: true}, &fakeSource{}, Options{})
			obs := newRecorder()

			type result struct {
				c   *Call
				err error
			}
			done := make(chan result, 1)
			go func() {
				c, err := mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, obs.observer())
				done <- result{c, err}
			}()

			select {
			case <-ch.entered:
			case <-time.After(2 * time.Second):
				t.Fatalf("setup never reached %s", op)
			}
			c, ok := mgr.Lookup("room-1", "A")
			if !ok {
				t.Fatalf("attempt not tracked during setup")
			}
			c.End()

			var res result
			select {
			case res = <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("start did not return after end")
			}
			if res.c != nil || !errors.Is(res.err, ErrCallEnded) {
				t.Fatalf("expected ErrCallEnded, got call=%v err=%v", res.c, res.err)
			}
			waitDone(t, c)

			ended, errs := obs.endings()
			if len(ended) != 1 || ended[0].Reason != ReasonLocal || len(errs) != 0 {
				t.Fatalf("expected one local end, got ended=%+v errs=%v", ended, errs)
			}
			if _, ok, _ := ch.MemoryChannel.GetRecord(context.Background(), "room-1"); ok {
				t.Fatalf("record created by an ended attempt")
			}
			waitFor(t, "attempt released", func() bool { return mgr.Active() == 0 })
		})
	}
}

func TestCall_MuteAndCamera(t *testing.T) {
	r := newRig(NewMemoryChannel(), true, Options{})
	a, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, Observer{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.SetVideoEnabled(false); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for video on audio call, got %v", err)
	}
	if err := a.SetAudioEnabled(false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	waitFor(t, "track muted", func() bool {
		r.source.mu.Lock()
		defer r.source.mu.Unlock()
		return !r.source.tracks[0].Enabled()
	})
	if a.Snapshot().AudioEnabled {
		t.Fatalf("snapshot should report audio disabled")
	}

	a.End()
	waitDone(t, a)
	if err := a.SetAudioEnabled(true); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded after end, got %v", err)
	}
}

func TestManager_DuplicateAttemptRefused(t *testing.T) {
	r := newRig(NewMemoryChannel(), true, Options{})
	a, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, Observer{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, Observer{}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
	if got, ok := r.mgr.Lookup("room-1", "A"); !ok || got != a {
		t.Fatalf("lookup did not return the live call")
	}
	if got, ok := r.mgr.Handle(a.ID()); !ok || got != a {
		t.Fatalf("handle lookup failed")
	}
	if err := r.mgr.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := r.mgr.Lookup("room-1", "A"); ok {
		t.Fatalf("closed manager still tracks the call")
	}
	if _, err := r.mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, Observer{}); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded from closed manager, got %v", err)
	}
}

type memRecorder struct {
	mu       sync.Mutex
	resolved []Snapshot
	finished []Outcome
}

func (m *memRecorder) CallResolved(_ context.Context, s Snapshot) {
	m.mu.Lock()
	m.resolved = append(m.resolved, s)
	m.mu.Unlock()
}

func (m *memRecorder) CallFinished(_ context.Context, o Outcome) {
	m.mu.Lock()
	m.finished = append(m.finished, o)
	m.mu.Unlock()
}

func TestManager_NotifiesRecorders(t *testing.T) {
	rec := &memRecorder{}
	mgr := NewManager(NewMemoryChannel(), &fakeFactory{autoConnect: true}, &fakeSource{}, Options{}, rec)
	a, err := mgr.StartOrJoinCall(context.Background(), "room-1", Participant{ID: "A"}, MediaAudioOnly, Observer{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	a.End()
	waitDone(t, a)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.resolved) != 1 || rec.resolved[0].Role != RoleInitiator {
		t.Fatalf("unexpected resolved %+v", rec.resolved)
	}
	if len(rec.finished) != 1 || rec.finished[0].Reason != ReasonLocal || rec.finished[0].Role != RoleInitiator {
		t.Fatalf("unexpected finished %+v", rec.finished)
	}
}
