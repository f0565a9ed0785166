package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Recorder is notified about call attempts for history and audit. Calls are
// best effort; implementations log their own failures.
type Recorder interface {
	CallResolved(ctx context.Context, s Snapshot)
	CallFinished(ctx context.Context, o Outcome)
}

// Incoming describes a ringing call waiting for someone to join.
type Incoming struct {
	CallID     string    `json:"call_id"`
	CallerID   string    `json:"caller_id"`
	CallerName string    `json:"caller_name,omitempty"`
	MediaMode  MediaMode `json:"media_mode"`
	CreatedAt  time.Time `json:"created_at"`
}

type activeKey struct {
	callID string
	userID string
}

// Manager starts call attempts and keeps track of the live ones. One
// participant holds at most one attempt per call id.
type Manager struct {
	ch        Channel
	peers     PeerFactory
	media     MediaSource
	opts      Options
	recorders []Recorder
	log       *slog.Logger

	mu       sync.Mutex
	active   map[activeKey]*Call
	byHandle map[string]*Call
	closed   bool
}

func NewManager(ch Channel, peers PeerFactory, media MediaSource, opts Options, recorders ...Recorder) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		ch:        ch,
		peers:     peers,
		media:     media,
		opts:      opts,
		recorders: recorders,
		log:       opts.Logger,
		active:    make(map[activeKey]*Call),
		byHandle:  make(map[string]*Call),
	}
}

// StartOrJoinCall starts a call attempt and blocks until its role is resolved
// or setup fails. Setup failures are returned and also reported to obs.
func (m *Manager) StartOrJoinCall(ctx context.Context, callID string, self Participant, mode MediaMode, obs Observer) (*Call, error) {
	if callID == "" || self.ID == "" {
		return nil, fmt.Errorf("%w: call id and participant id are required", ErrInvalidArgument)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: media mode %q", ErrInvalidArgument, mode)
	}

	key := activeKey{callID: callID, userID: self.ID}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrCallEnded
	}
	if _, ok := m.active[key]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	c := newCall(m.ch, m.peers, m.media, self, callID, mode, m.opts, obs, callHooks{
		resolved: m.resolved,
		finished: m.finished,
	})
	m.active[key] = c
	m.byHandle[c.ID()] = c
	m.mu.Unlock()

	c.start()

	select {
	case <-c.ready:
	case <-ctx.Done():
		c.End()
		return nil, ctx.Err()
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	if c.State().Terminal() {
		// Ended during setup.
		return nil, ErrCallEnded
	}
	return c, nil
}

// EndCall ends c locally. It returns immediately; teardown continues on the
// call's goroutine.
func (m *Manager) EndCall(c *Call) {
	if c != nil {
		c.End()
	}
}

// Lookup returns the live attempt of userID on callID.
func (m *Manager) Lookup(callID, userID string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[activeKey{callID: callID, userID: userID}]
	return c, ok
}

// Handle returns a live attempt by handle id.
func (m *Manager) Handle(id string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byHandle[id]
	return c, ok
}

// Active is the number of live attempts.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// WatchIncoming reports ringing calls on callID started by someone other than
// self that nobody has joined yet. Each ringing call is reported once.
func (m *Manager) WatchIncoming(ctx context.Context, callID string, self Participant, fn func(Incoming)) (Subscription, error) {
	if callID == "" || self.ID == "" {
		return nil, fmt.Errorf("%w: call id and participant id are required", ErrInvalidArgument)
	}
	var last Incoming
	sub, err := m.ch.SubscribeRecord(ctx, callID, func(rec Record, ok bool) {
		if !ok || rec.Status != StatusRinging || rec.JoinerID != "" || rec.InitiatorID == self.ID {
			return
		}
		in := Incoming{
			CallID:     rec.CallID,
			CallerID:   rec.InitiatorID,
			CallerName: rec.InitiatorName,
			MediaMode:  rec.MediaMode,
			CreatedAt:  rec.CreatedAt,
		}
		if in == last {
			return
		}
		last = in
		fn(in)
	})
	if err != nil {
		return nil, ChannelError("subscribe record", err)
	}
	return sub, nil
}

// Reject declines a ringing call nobody has joined. The caller's attempt ends
// with ReasonDeclined.
func (m *Manager) Reject(ctx context.Context, callID string, self Participant) error {
	rec, ok, err := m.ch.GetRecord(ctx, callID)
	if err != nil {
		return ChannelError("get record", err)
	}
	if !ok {
		return ErrNotFound
	}
	if rec.InitiatorID == self.ID || rec.Status != StatusRinging || rec.JoinerID != "" {
		return fmt.Errorf("%w: cannot reject %s call", ErrInvalidCallState, rec.Status)
	}

	status := StatusEnded
	at := m.opts.Now().UTC()
	unclaimed := ""
	err = m.ch.UpdateRecord(ctx, callID, Update{Status: &status, EndedAt: &at},
		Precondition{Status: []Status{StatusRinging}, JoinerID: &unclaimed, InitiatorID: &rec.InitiatorID})
	switch {
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: call changed before reject", ErrInvalidCallState)
	case err != nil:
		return ChannelError("reject", err)
	}
	m.log.Info("call rejected", "call_id", callID, "user_id", self.ID)
	return nil
}

// Close ends every live attempt and waits for their teardown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Call, 0, len(m.active))
	for _, c := range m.active {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.End()
	}
	for _, c := range live {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) resolved(c *Call, _ Resolution) {
	if len(m.recorders) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	s := c.Snapshot()
	for _, r := range m.recorders {
		r.CallResolved(ctx, s)
	}
}

func (m *Manager) finished(c *Call, o Outcome) {
	m.mu.Lock()
	key := activeKey{callID: c.CallID(), userID: c.Self().ID}
	if m.active[key] == c {
		delete(m.active, key)
	}
	delete(m.byHandle, c.ID())
	m.mu.Unlock()

	if len(m.recorders) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	for _, r := range m.recorders {
		r.CallFinished(ctx, o)
	}
}
