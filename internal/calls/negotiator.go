package calls

import (
	"context"
	"fmt"
	"time"
)

// NegotiationState is the offer/answer state of one peer connection. Only the
// Negotiator moves it.
type NegotiationState string

const (
	NegotiationStable          NegotiationState = "stable"
	NegotiationHaveLocalOffer  NegotiationState = "have-local-offer"
	NegotiationHaveRemoteOffer NegotiationState = "have-remote-offer"
	NegotiationClosed          NegotiationState = "closed"
)

// Negotiator drives offer/answer for one role over one peer connection and
// publishes the resulting descriptions to the call record.
type Negotiator struct {
	pc     PeerConnection
	ch     Channel
	callID string
	self   Participant
	now    func() time.Time

	state NegotiationState
}

func NewNegotiator(pc PeerConnection, ch Channel, callID string, self Participant, now func() time.Time) *Negotiator {
	if now == nil {
		now = time.Now
	}
	return &Negotiator{pc: pc, ch: ch, callID: callID, self: self, now: now, state: NegotiationStable}
}

func (n *Negotiator) State() NegotiationState { return n.state }

// RemoteSet reports whether a remote description has been applied.
func (n *Negotiator) RemoteSet() bool { return n.pc.RemoteDescription() != nil }

// Complete reports whether both descriptions are in place.
func (n *Negotiator) Complete() bool {
	return n.state == NegotiationStable && n.pc.LocalDescription() != nil && n.pc.RemoteDescription() != nil
}

// Close moves the negotiator to its terminal state; every later set fails.
func (n *Negotiator) Close() { n.state = NegotiationClosed }

// SetLocal applies d as the local description.
func (n *Negotiator) SetLocal(ctx context.Context, d SessionDescription) error {
	if sameDescription(n.pc.LocalDescription(), d) {
		return nil
	}
	var next NegotiationState
	switch {
	case d.Type == SDPTypeOffer && n.state == NegotiationStable:
		next = NegotiationHaveLocalOffer
	case d.Type == SDPTypeAnswer && n.state == NegotiationHaveRemoteOffer:
		next = NegotiationStable
	default:
		return NegotiationError("set local "+string(d.Type), n.state)
	}
	if err := n.pc.SetLocalDescription(ctx, d); err != nil {
		return fmt.Errorf("set local %s: %w", d.Type, err)
	}
	n.state = next
	return nil
}

// SetRemote applies d as the remote description.
func (n *Negotiator) SetRemote(ctx context.Context, d SessionDescription) error {
	if sameDescription(n.pc.RemoteDescription(), d) {
		return nil
	}
	var next NegotiationState
	switch {
	case d.Type == SDPTypeOffer && n.state == NegotiationStable:
		next = NegotiationHaveRemoteOffer
	case d.Type == SDPTypeAnswer && n.state == NegotiationHaveLocalOffer:
		next = NegotiationStable
	default:
		return NegotiationError("set remote "+string(d.Type), n.state)
	}
	if err := n.pc.SetRemoteDescription(ctx, d); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}
	n.state = next
	return nil
}

// Offer runs the Initiator path. It returns true when an answer already
// present in rec was applied, so the call can move straight to connecting.
func (n *Negotiator) Offer(ctx context.Context, rec Record, resumed bool) (bool, error) {
	offer, err := n.pc.CreateOffer(ctx)
	if err != nil {
		return false, fmt.Errorf("create offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := n.SetLocal(ctx, offer); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if resumed && rec.Answer != nil {
		if err := n.SetRemote(ctx, *rec.Answer); err != nil {
			return false, err
		}
		return true, nil
	}

	local := n.pc.LocalDescription()
	if local == nil {
		local = &offer
	}
	status := StatusRinging
	u := Update{Offer: local}
	if !resumed {
		u.Status = &status
	}
	err = n.ch.UpdateRecord(ctx, n.callID, u, Precondition{InitiatorID: &n.self.ID})
	if err != nil {
		return false, fmt.Errorf("write offer: %w", err)
	}
	return false, nil
}

// ApplyAnswer consumes the Joiner's answer. Answers arriving once the
// exchange is complete are ignored.
func (n *Negotiator) ApplyAnswer(ctx context.Context, answer SessionDescription) (bool, error) {
	if n.state != NegotiationHaveLocalOffer {
		return false, nil
	}
	if err := n.SetRemote(ctx, answer); err != nil {
		return false, err
	}
	return true, nil
}

// Answer runs the Joiner path against rec, which must carry an offer.
func (n *Negotiator) Answer(ctx context.Context, rec Record) error {
	if rec.Offer == nil {
		return fmt.Errorf("%w: record has no offer", ErrInvalidCallState)
	}
	if err := n.SetRemote(ctx, *rec.Offer); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	answer, err := n.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.SetLocal(ctx, answer); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	local := n.pc.LocalDescription()
	if local == nil {
		local = &answer
	}
	status := StatusActive
	joinedAt := n.now().UTC()
	u := Update{
		Answer:     local,
		JoinerID:   &n.self.ID,
		JoinerName: &n.self.Name,
		Status:     &status,
		JoinedAt:   &joinedAt,
	}
	err = n.ch.UpdateRecord(ctx, n.callID, u, Precondition{JoinerID: &n.self.ID, Status: []Status{StatusRinging, StatusActive}})
	if err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	return nil
}

func sameDescription(have *SessionDescription, d SessionDescription) bool {
	return have != nil && have.Type == d.Type && have.SDP == d.SDP
}
