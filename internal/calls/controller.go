package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of one call attempt.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateRoleResolved   State = "role_resolved"
	StateNegotiating    State = "negotiating"
	StateConnecting     State = "connecting"
	StateActive         State = "active"
	StateEnding         State = "ending"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

type EndReason string

const (
	ReasonLocal          EndReason = "local"
	ReasonRemote         EndReason = "remote"
	ReasonDeclined       EndReason = "declined"
	ReasonMissed         EndReason = "missed"
	ReasonConnectionLost EndReason = "connection_lost"
)

// EndInfo describes a normal end. Duration counts from Active and is zero
// for calls that never connected.
type EndInfo struct {
	Reason   EndReason
	Duration time.Duration
}

func (e EndInfo) Seconds() int { return int(e.Duration / time.Second) }

// Observer receives lifecycle notifications. Every call attempt ends with
// exactly one OnEnded or OnError. Callbacks run on the call's own goroutine
// and must not block.
type Observer struct {
	OnState  func(State)
	OnActive func()
	OnEnded  func(EndInfo)
	OnError  func(ErrorKind, error)
}

// Options tunes a call attempt. Zero values take defaults.
type Options struct {
	ConnectTimeout  time.Duration
	RingTimeout     time.Duration
	TeardownTimeout time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

const (
	DefaultConnectTimeout  = 25 * time.Second
	DefaultRingTimeout     = 60 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RingTimeout <= 0 {
		o.RingTimeout = DefaultRingTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = DefaultTeardownTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Outcome summarizes a finished call attempt.
type Outcome struct {
	HandleID string
	CallID   string
	Self     Participant
	Peer     Participant
	Role     Role
	Mode     MediaMode
	State    State
	Reason   EndReason
	Kind     ErrorKind
	Err      error

	StartedAt time.Time
	ActiveAt  time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// Snapshot is a point-in-time view of a live or finished call.
type Snapshot struct {
	HandleID     string    `json:"handle_id"`
	CallID       string    `json:"call_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role,omitempty"`
	State        State     `json:"state"`
	MediaMode    MediaMode `json:"media_mode"`
	Peer         string    `json:"peer,omitempty"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
}

type origin int

const (
	originLocal origin = iota + 1
	originRemote
)

type eventKind int

const (
	evRecord eventKind = iota + 1
	evLocalCandidate
	evRemoteCandidate
	evTrack
	evConnState
	evMedia
)

type event struct {
	kind   eventKind
	rec    Record
	exists bool
	cand   Candidate
	track  RemoteTrack
	conn   ConnectionState
}

type callHooks struct {
	resolved func(*Call, Resolution)
	finished func(*Call, Outcome)
}

// Call is the handle of one call attempt. All signaling, negotiation and
// teardown run on a single goroutine owned by the Call; the exported methods
// only post requests to it or read a guarded snapshot.
type Call struct {
	id     string
	callID string
	self   Participant
	mode   MediaMode

	ch    Channel
	peers PeerFactory
	media MediaSource
	opts  Options
	obs   Observer
	hooks callHooks
	log   *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	events     chan event
	endReq     chan struct{}
	endOnce    sync.Once
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	finishOnce sync.Once

	mu       sync.Mutex
	state    State
	role     Role
	lastRole Role
	peer     Participant
	outcome  *Outcome
	started  time.Time
	activeAt time.Time
	audioOn  bool
	videoOn  bool

	// owned by the run goroutine
	pc            PeerConnection
	tracks        []Track
	neg           *Negotiator
	relay         *Relay
	subs          []Subscription
	initiatorID   string
	awaitingOffer bool
	connectTimer  *time.Timer
	ringTimer     *time.Timer
}

func newCall(ch Channel, peers PeerFactory, media MediaSource, self Participant, callID string, mode MediaMode, opts Options, obs Observer, hooks callHooks) *Call {
	opts = opts.withDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		id:      id,
		callID:  callID,
		self:    self,
		mode:    mode,
		ch:      ch,
		peers:   peers,
		media:   media,
		opts:    opts,
		obs:     obs,
		hooks:   hooks,
		log:     opts.Logger.With("call_id", callID, "user_id", self.ID, "handle_id", id),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan event, 256),
		endReq:  make(chan struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
		started: opts.Now(),
		audioOn: true,
		videoOn: mode.HasVideo(),
	}
}

func (c *Call) ID() string           { return c.id }
func (c *Call) CallID() string       { return c.callID }
func (c *Call) Self() Participant    { return c.self }
func (c *Call) MediaMode() MediaMode { return c.mode }

// Done is closed once teardown has finished and the final notification was
// delivered.
func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role is the resolved role, or the last one held once the call finished.
func (c *Call) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleUnresolved {
		return c.role
	}
	return c.lastRole
}

// Err is the failure cause of a failed call, nil otherwise.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return nil
	}
	return c.outcome.Err
}

// Outcome returns the final summary once the call finished.
func (c *Call) Outcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return Outcome{}, false
	}
	return *c.outcome, true
}

func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	role := c.role
	if role == RoleUnresolved {
		role = c.lastRole
	}
	return Snapshot{
		HandleID:     c.id,
		CallID:       c.callID,
		UserID:       c.self.ID,
		Role:         role,
		State:        c.state,
		MediaMode:    c.mode,
		Peer:         c.peer.Name,
		AudioEnabled: c.audioOn,
		VideoEnabled: c.videoOn,
	}
}

// End requests a local end. It is idempotent and does not wait; use Done.
func (c *Call) End() {
	c.endOnce.Do(func() {
		close(c.endReq)
		c.cancel()
	})
}

// Wait blocks until the call is done or ctx expires.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) SetAudioEnabled(enabled bool) error {
	return c.setEnabled(TrackAudio, enabled)
}

func (c *Call) SetVideoEnabled(enabled bool) error {
	if !c.mode.HasVideo() {
		return fmt.Errorf("%w: %s call has no video", ErrInvalidArgument, c.mode)
	}
	return c.setEnabled(TrackVideo, enabled)
}

func (c *Call) setEnabled(kind TrackKind, enabled bool) error {
	c.mu.Lock()
	if c.state.Terminal() || c.state == StateEnding {
		c.mu.Unlock()
		return ErrCallEnded
	}
	if kind == TrackVideo {
		c.videoOn = enabled
	} else {
		c.audioOn = enabled
	}
	c.mu.Unlock()
	c.post(event{kind: evMedia})
	return nil
}

func (c *Call) start() { go c.run() }

func (c *Call) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Call) markReady() { c.readyOnce.Do(func() { close(c.ready) }) }

func (c *Call) endRequested() bool {
	select {
	case <-c.endReq:
		return true
	default:
		return false
	}
}

func (c *Call) run() {
	defer close(c.done)
	defer c.cancel()

	if err := c.setup(); err != nil {
		c.finish(originLocal, "", err)
		c.markReady()
		return
	}
	c.markReady()
	c.loop()
}

func (c *Call) setup() error {
	ctx := c.ctx

	c.setState(StateAcquiringMedia)
	tracks, err := c.media.Acquire(ctx, c.mode)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	c.tracks = tracks
	if err := ctx.Err(); err != nil {
		return err
	}
	c.applyEnabled()

	pc, err := c.peers.NewPeerConnection(ctx, c.mode)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	c.pc = pc
	pc.OnLocalCandidate(func(cand *Candidate) {
		if cand != nil {
			c.post(event{kind: evLocalCandidate, cand: *cand})
		}
	})
	pc.OnInboundTrack(func(t RemoteTrack) { c.post(event{kind: evTrack, track: t}) })
	pc.OnConnectionStateChange(func(s ConnectionState) { c.post(event{kind: evConnState, conn: s}) })
	for _, t := range tracks {
		if err := pc.AddLocalTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	c.neg = NewNegotiator(pc, c.ch, c.callID, c.self, c.opts.Now)
	c.relay = NewRelay(c.ch, pc, c.callID, c.log)
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := NewResolver(c.ch, c.opts.Now).Resolve(ctx, c.callID, c.self, c.mode)
	if err != nil {
		return err
	}
	c.initiatorID = res.Record.InitiatorID
	c.mu.Lock()
	c.role = res.Role
	if res.Role == RoleInitiator {
		c.peer = Participant{ID: res.Record.JoinerID, Name: res.Record.JoinerName}
	} else {
		c.peer = Participant{ID: res.Record.InitiatorID, Name: res.Record.InitiatorName}
	}
	c.mu.Unlock()
	c.log = c.log.With("role", res.Role)
	c.relay.SetRole(ctx, res.Role)
	c.setState(StateRoleResolved)
	c.log.Info("call role resolved", "created", res.Created, "resumed", res.Resumed)
	if c.hooks.resolved != nil {
		c.hooks.resolved(c, res)
	}
	c.markReady()

	sub, err := c.ch.SubscribeRecord(ctx, c.callID, func(rec Record, ok bool) {
		c.post(event{kind: evRecord, rec: rec, exists: ok})
	})
	if err != nil {
		return ChannelError("subscribe record", err)
	}
	c.subs = append(c.subs, sub)
	sub, err = c.relay.Listen(ctx, func(cand Candidate) {
		c.post(event{kind: evRemoteCandidate, cand: cand})
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	if err := ctx.Err(); err != nil {
		return err
	}

	c.setState(StateNegotiating)
	switch res.Role {
	case RoleInitiator:
		answered, err := c.neg.Offer(ctx, res.Record, res.Resumed)
		if err != nil {
			return err
		}
		if answered {
			c.relay.Flush(ctx)
			c.connecting()
			return nil
		}
		c.ringTimer = time.NewTimer(c.opts.RingTimeout)
	case RoleJoiner:
		if res.Record.Offer == nil {
			// The initiator gets ConnectTimeout to publish its offer.
			c.awaitingOffer = true
			c.connectTimer = time.NewTimer(c.opts.ConnectTimeout)
			return nil
		}
		return c.answer(ctx, res.Record)
	}
	return nil
}

func (c *Call) answer(ctx context.Context, rec Record) error {
	if err := c.neg.Answer(ctx, rec); err != nil {
		return err
	}
	c.relay.Flush(ctx)
	c.connecting()
	return nil
}

func (c *Call) connecting() {
	stopTimer(&c.ringTimer)
	stopTimer(&c.connectTimer)
	c.setState(StateConnecting)
	c.connectTimer = time.NewTimer(c.opts.ConnectTimeout)
}

func (c *Call) loop() {
	for {
		select {
		case <-c.endReq:
			c.finish(originLocal, ReasonLocal, nil)
			return
		case <-timerC(c.connectTimer):
			c.finish(originLocal, "", fmt.Errorf("%w: not connected after %s", ErrConnectionTimeout, c.opts.ConnectTimeout))
			return
		case <-timerC(c.ringTimer):
			c.log.Info("call unanswered", "after", c.opts.RingTimeout)
			c.finish(originLocal, ReasonMissed, nil)
			return
		case ev := <-c.events:
			if c.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event and reports whether the call finished.
func (c *Call) handle(ev event) bool {
	switch ev.kind {
	case evLocalCandidate:
		c.relay.Local(c.ctx, ev.cand)
	case evRemoteCandidate:
		c.relay.Remote(c.ctx, ev.cand)
	case evTrack:
		c.log.Debug("inbound track", "kind", ev.track.Kind, "track_id", ev.track.ID)
		c.activate()
	case evConnState:
		return c.onConnectionState(ev.conn)
	case evRecord:
		return c.onRecord(ev.rec, ev.exists)
	case evMedia:
		c.applyEnabled()
	}
	return false
}

func (c *Call) onConnectionState(s ConnectionState) bool {
	c.log.Debug("connection state", "state", s)
	switch s {
	case ConnectionConnected:
		c.activate()
	case ConnectionFailed, ConnectionClosed:
		if c.State() == StateActive {
			c.finish(originLocal, ReasonConnectionLost, nil)
			return true
		}
		c.finish(originLocal, "", fmt.Errorf("%w: peer connection %s", ErrConnectionFailed, s))
		return true
	}
	return false
}

func (c *Call) onRecord(rec Record, exists bool) bool {
	if !exists {
		c.log.Info("call record removed")
		c.finish(originRemote, ReasonRemote, nil)
		return true
	}
	role := c.Role()
	if rec.InitiatorID != c.initiatorID || (role == RoleJoiner && rec.JoinerID != c.self.ID) {
		c.log.Info("call id reused by another call")
		c.finish(originRemote, ReasonRemote, nil)
		return true
	}
	if rec.Status.IsEnded() {
		reason := ReasonRemote
		if role == RoleInitiator && rec.Status == StatusEnded && rec.JoinerID == "" {
			reason = ReasonDeclined
		}
		c.log.Info("call ended remotely", "status", rec.Status)
		c.finish(originRemote, reason, nil)
		return true
	}

	switch role {
	case RoleInitiator:
		if rec.JoinerID != "" {
			c.mu.Lock()
			c.peer = Participant{ID: rec.JoinerID, Name: rec.JoinerName}
			c.mu.Unlock()
		}
		if rec.Answer == nil {
			return false
		}
		applied, err := c.neg.ApplyAnswer(c.ctx, *rec.Answer)
		if err != nil {
			c.finish(originLocal, "", err)
			return true
		}
		if applied {
			c.relay.Flush(c.ctx)
			c.connecting()
		}
	case RoleJoiner:
		if !c.awaitingOffer || rec.Offer == nil {
			return false
		}
		c.awaitingOffer = false
		if err := c.answer(c.ctx, rec); err != nil {
			c.finish(originLocal, "", err)
			return true
		}
	}
	return false
}

func (c *Call) activate() {
	if c.State() != StateConnecting {
		return
	}
	stopTimer(&c.connectTimer)
	c.mu.Lock()
	c.activeAt = c.opts.Now()
	c.mu.Unlock()
	c.setState(StateActive)
	if c.obs.OnActive != nil {
		c.obs.OnActive()
	}
}

func (c *Call) applyEnabled() {
	c.mu.Lock()
	audio, video := c.audioOn, c.videoOn
	c.mu.Unlock()
	for _, t := range c.tracks {
		switch t.Kind() {
		case TrackAudio:
			t.SetEnabled(audio)
		case TrackVideo:
			t.SetEnabled(video)
		}
	}
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.log.Debug("call state", "from", prev, "to", s)
	if c.obs.OnState != nil {
		c.obs.OnState(s)
	}
}

// finish tears the call down and emits the single final notification. A nil
// cause is a normal end; anything else is a failure.
func (c *Call) finish(o origin, reason EndReason, cause error) {
	c.finishOnce.Do(func() {
		if cause != nil && c.endRequested() {
			cause, reason = nil, ReasonLocal
		}
		if cause == nil {
			c.setState(StateEnding)
		}
		role := c.Role()
		c.teardown(o)

		now := c.opts.Now()
		c.mu.Lock()
		out := Outcome{
			HandleID:  c.id,
			CallID:    c.callID,
			Self:      c.self,
			Peer:      c.peer,
			Role:      role,
			Mode:      c.mode,
			StartedAt: c.started,
			ActiveAt:  c.activeAt,
			EndedAt:   now,
		}
		if !c.activeAt.IsZero() {
			out.Duration = now.Sub(c.activeAt)
		}
		if cause != nil {
			out.State = StateFailed
			out.Kind = KindOf(cause)
			out.Err = cause
		} else {
			out.State = StateEnded
			out.Reason = reason
		}
		c.outcome = &out
		c.mu.Unlock()

		c.setState(out.State)
		if cause != nil {
			c.log.Warn("call failed", "kind", out.Kind, "err", cause)
			if c.obs.OnError != nil {
				c.obs.OnError(out.Kind, cause)
			}
		} else {
			c.log.Info("call ended", "reason", reason, "duration", out.Duration)
			if c.obs.OnEnded != nil {
				c.obs.OnEnded(EndInfo{Reason: reason, Duration: out.Duration})
			}
		}
		if c.hooks.finished != nil {
			c.hooks.finished(c, out)
		}
	})
}

func (c *Call) teardown(o origin) {
	for _, t := range c.tracks {
		t.Stop()
	}
	c.tracks = nil

	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil

	stopTimer(&c.connectTimer)
	stopTimer(&c.ringTimer)

	if c.neg != nil {
		c.neg.Close()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.log.Warn("close peer connection", "err", err)
		}
		c.pc = nil
	}

	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	if role != RoleUnresolved {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.TeardownTimeout)
		if o == originLocal {
			c.release(ctx, role)
		} else {
			c.purgeOutbound(ctx, role)
		}
		cancel()
	}

	if c.relay != nil {
		c.relay.Reset()
	}
	c.awaitingOffer = false
	c.mu.Lock()
	if c.role != RoleUnresolved {
		c.lastRole = c.role
	}
	c.role = RoleUnresolved
	c.mu.Unlock()
}

func (c *Call) precondition(role Role) Precondition {
	mine := Precondition{InitiatorID: &c.initiatorID}
	if role == RoleJoiner {
		mine.JoinerID = &c.self.ID
	}
	return mine
}

// release attributes the end to role and purges the record and both logs.
// Every record write is conditioned on the record still belonging to this
// call. Logs are purged as well when the record is already gone.
func (c *Call) release(ctx context.Context, role Role) {
	mine := c.precondition(role)

	rec, ok, err := c.ch.GetRecord(ctx, c.callID)
	if err != nil {
		c.log.Warn("teardown read failed", "err", err)
		return
	}
	if !ok {
		c.purgeLogs(ctx, LogInitiatorCandidates, LogJoinerCandidates)
		return
	}
	if !mine.Holds(rec) {
		return
	}

	if !rec.Status.IsEnded() {
		status := role.EndedStatus()
		at := c.opts.Now().UTC()
		err := c.ch.UpdateRecord(ctx, c.callID, Update{Status: &status, EndedAt: &at}, mine)
		if err != nil && !gone(err) {
			c.log.Warn("teardown status write failed", "err", err)
		}
	}

	c.purgeLogs(ctx, LogInitiatorCandidates, LogJoinerCandidates)
	if err := c.ch.DeleteRecord(ctx, c.callID, mine); err != nil && !gone(err) {
		c.log.Warn("teardown record purge failed", "err", err)
	}
}

// purgeOutbound clears this side's log after the other side ended the call.
// Candidates appended after the other side's purge would otherwise outlive
// the record. A record owned by a newer call is left alone.
func (c *Call) purgeOutbound(ctx context.Context, role Role) {
	rec, ok, err := c.ch.GetRecord(ctx, c.callID)
	if err != nil {
		c.log.Warn("teardown read failed", "err", err)
		return
	}
	if ok && (!c.precondition(role).Holds(rec) || !rec.Status.IsEnded()) {
		return
	}
	if log, ok := role.OutboundLog(); ok {
		c.purgeLogs(ctx, log)
	}
}

func (c *Call) purgeLogs(ctx context.Context, logs ...LogName) {
	for _, log := range logs {
		if err := c.ch.DeleteAllCandidates(ctx, c.callID, log); err != nil {
			c.log.Warn("teardown candidate purge failed", "log", log, "err", err)
		}
	}
}

// gone reports errors meaning someone else already moved the record on.
func gone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
