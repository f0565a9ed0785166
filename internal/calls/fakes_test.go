package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var peerSeq atomic.Int64

// fakePeer follows the WebRTC signaling state rules and reports "connected"
// once both descriptions are in place.
type fakePeer struct {
	name        string
	autoConnect bool

	mu       sync.Mutex
	sig      NegotiationState
	local    *SessionDescription
	remote   *SessionDescription
	tracks   []Track
	applied  []Candidate
	setCalls []string
	closed   bool

	onCand  func(*Candidate)
	onTrack func(RemoteTrack)
	onConn  func(ConnectionState)
}

func newFakePeer(autoConnect bool) *fakePeer {
	return &fakePeer{
		name:        fmt.Sprintf("peer%d", peerSeq.Add(1)),
		autoConnect: autoConnect,
		sig:         NegotiationStable,
	}
}

func (p *fakePeer) AddLocalTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (SessionDescription, error) {
	return SessionDescription{Type: SDPTypeOffer, SDP: "v=0 offer " + p.name}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return SessionDescription{}, errors.New("no remote offer")
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: "v=0 answer " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(ctx context.Context, d SessionDescription) error {
	p.mu.Lock()
	switch {
	case d.Type == SDPTypeOffer && p.sig == NegotiationStable:
		p.sig = NegotiationHaveLocalOffer
	case d.Type == SDPTypeAnswer && p.sig == NegotiationHaveRemoteOffer:
		p.sig = NegotiationStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("invalid local %s in %s", d.Type, p.sig)
	}
	p.local = &d
	p.setCalls = append(p.setCalls, "local:"+string(d.Type))
	onCand := p.onCand
	p.mu.Unlock()

	if onCand != nil {
		go onCand(&Candidate{Candidate: "candidate:" + p.name + "-1"})
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, d SessionDescription) error {
	p.mu.Lock()
	switch {
	case d.Type == SDPTypeOffer && p.sig == NegotiationStable:
		p.sig = NegotiationHaveRemoteOffer
	case d.Type == SDPTypeAnswer && p.sig == NegotiationHaveLocalOffer:
		p.sig = NegotiationStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("invalid remote %s in %s", d.Type, p.sig)
	}
	p.remote = &d
	p.setCalls = append(p.setCalls, "remote:"+string(d.Type))
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *fakePeer) AddRemoteCandidate(ctx context.Context, c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ErrRemoteDescriptionUnset
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) LocalDescription() *SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) RemoteDescription() *SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) OnLocalCandidate(fn func(*Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnInboundTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.sig = NegotiationClosed
	p.onCand, p.onTrack, p.onConn = nil, nil, nil
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := p.autoConnect && p.local != nil && p.remote != nil && p.sig == NegotiationStable
	onConn := p.onConn
	p.mu.Unlock()
	if ready && onConn != nil {
		go onConn(ConnectionConnected)
	}
}

// emit delivers a connection state as the transport would.
func (p *fakePeer) emit(s ConnectionState) {
	p.mu.Lock()
	onConn := p.onConn
	p.mu.Unlock()
	if onConn != nil {
		onConn(s)
	}
}

func (p *fakePeer) sets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.setCalls...)
}

func (p *fakePeer) appliedCandidates() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Candidate(nil), p.applied...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	autoConnect bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection(ctx context.Context, mode MediaMode) (PeerConnection, error) {
	p := newFakePeer(f.autoConnect)
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTrack struct {
	id      string
	kind    TrackKind
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeSource struct {
	err error

	mu     sync.Mutex
	tracks []*fakeTrack
}

func (s *fakeSource) Acquire(ctx context.Context, mode MediaMode) ([]Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	kinds := []TrackKind{TrackAudio}
	if mode.HasVideo() {
		kinds = append(kinds, TrackVideo)
	}
	var out []Track
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		t := &fakeTrack{id: fmt.Sprintf("%s-%d", k, len(s.tracks)), kind: k, enabled: true}
		s.tracks = append(s.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeSource) allStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if !t.isStopped() {
			return false
		}
	}
	return true
}

// recorder collects observer notifications.
type recorder struct {
	mu     sync.Mutex
	states []State
	active int
	ended  []EndInfo
	errs   []ErrorKind

	activeCh chan struct{}
	finalCh  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{activeCh: make(chan struct{}, 4), finalCh: make(chan struct{}, 4)}
}

func (r *recorder) observer() Observer {
	return Observer{
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnActive: func() {
			r.mu.Lock()
			r.active++
			r.mu.Unlock()
			r.activeCh <- struct{}{}
		},
		OnEnded: func(e EndInfo) {
			r.mu.Lock()
			r.ended = append(r.ended, e)
			r.mu.Unlock()
			r.finalCh <- struct{}{}
		},
		OnError: func(k ErrorKind, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, k)
			r.mu.Unlock()
			r.finalCh <- struct{}{}
		},
	}
}

func (r *recorder) waitActive(t *testing.T) {
	t.Helper()
	select {
	case <-r.activeCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for active")
	}
}

func (r *recorder) waitFinal(t *testing.T) {
	t.Helper()
	select {
	case <-r.finalCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end notification")
	}
}

func (r *recorder) endings() ([]EndInfo, []ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EndInfo(nil), r.ended...), append([]ErrorKind(nil), r.errs...)
}

func (r *recorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.states {
		if x == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recordOf(t *testing.T, ch Channel, callID string) (Record, bool) {
	t.Helper()
	rec, ok, err := ch.GetRecord(context.Background(), callID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	return rec, ok
}
