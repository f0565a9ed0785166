package calls

import (
	"context"
	"errors"
	"log/slog"
)

// Relay forwards connectivity candidates between the local peer connection
// and the role-specific candidate logs. It is not safe for concurrent use;
// the owning call serializes every method.
type Relay struct {
	ch     Channel
	pc     PeerConnection
	callID string
	log    *slog.Logger

	role Role
	// outbound holds local candidates gathered before the role was known.
	outbound []Candidate
	// inbound holds remote candidates received before a remote description.
	inbound []Candidate
}

func NewRelay(ch Channel, pc PeerConnection, callID string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{ch: ch, pc: pc, callID: callID, log: log}
}

// SetRole fixes the outbound log and publishes anything buffered so far.
func (r *Relay) SetRole(ctx context.Context, role Role) {
	r.role = role
	buffered := r.outbound
	r.outbound = nil
	for _, c := range buffered {
		r.publish(ctx, c)
	}
}

// Local handles a candidate gathered by the local peer connection.
func (r *Relay) Local(ctx context.Context, c Candidate) {
	if r.role == RoleUnresolved {
		r.outbound = append(r.outbound, c)
		return
	}
	r.publish(ctx, c)
}

// Remote handles a candidate read from the other role's log.
func (r *Relay) Remote(ctx context.Context, c Candidate) {
	if r.pc.RemoteDescription() == nil {
		r.inbound = append(r.inbound, c)
		return
	}
	r.Flush(ctx)
	r.apply(ctx, c)
}

// Flush applies queued remote candidates in arrival order. It is a no-op
// until a remote description is in place.
func (r *Relay) Flush(ctx context.Context) {
	if r.pc.RemoteDescription() == nil || len(r.inbound) == 0 {
		return
	}
	queued := r.inbound
	r.inbound = nil
	for _, c := range queued {
		r.apply(ctx, c)
	}
}

// Pending is the number of remote candidates waiting for a remote description.
func (r *Relay) Pending() int { return len(r.inbound) }

// Listen subscribes to the other role's log. Candidates are handed to post;
// the caller routes them back into Remote on its own goroutine.
func (r *Relay) Listen(ctx context.Context, post func(Candidate)) (Subscription, error) {
	log, ok := r.role.InboundLog()
	if !ok {
		return nil, errors.New("calls: relay role unresolved")
	}
	sub, err := r.ch.SubscribeCandidates(ctx, r.callID, log, post)
	if err != nil {
		return nil, ChannelError("subscribe "+string(log), err)
	}
	return sub, nil
}

// Reset drops buffered candidates and forgets the role.
func (r *Relay) Reset() {
	r.role = RoleUnresolved
	r.outbound = nil
	r.inbound = nil
}

func (r *Relay) publish(ctx context.Context, c Candidate) {
	log, ok := r.role.OutboundLog()
	if !ok {
		return
	}
	err := r.ch.AppendCandidate(ctx, r.callID, log, c)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.log.Warn("append candidate failed, retrying", "log", log, "err", err)
	if err := r.ch.AppendCandidate(ctx, r.callID, log, c); err != nil {
		r.log.Error("append candidate dropped", "log", log, "err", err)
	}
}

func (r *Relay) apply(ctx context.Context, c Candidate) {
	if err := r.pc.AddRemoteCandidate(ctx, c); err != nil {
		r.log.Warn("remote candidate rejected", "err", err)
	}
}
