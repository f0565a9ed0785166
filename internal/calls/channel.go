package calls

import (
	"context"
	"slices"
	"time"
)

// Channel is the signaling channel: one subscribable record per call plus two
// append-only candidate logs.
//
// Contract:
// - CreateRecord fails with ErrAlreadyExists when a record is present.
// - UpdateRecord/DeleteRecord fail with ErrNotFound when no record is present
//   and with ErrPreconditionFailed when a Precondition does not hold.
// - SubscribeRecord invokes fn once with the current state when the
//   subscription is live, then once per change, serially and in write order.
// - SubscribeCandidates replays the log from its start, then every append, in
//   append order, serially.
// - Transport failures wrap ErrChannel.
type Channel interface {
	CreateRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, callID string) (Record, bool, error)
	UpdateRecord(ctx context.Context, callID string, u Update, conds ...Precondition) error
	DeleteRecord(ctx context.Context, callID string, conds ...Precondition) error
	SubscribeRecord(ctx context.Context, callID string, fn func(rec Record, exists bool)) (Subscription, error)

	AppendCandidate(ctx context.Context, callID string, log LogName, c Candidate) error
	SubscribeCandidates(ctx context.Context, callID string, log LogName, fn func(c Candidate)) (Subscription, error)
	DeleteAllCandidates(ctx context.Context, callID string, log LogName) error
}

// Subscription stops a listener. Unsubscribe is idempotent and no callback
// starts after it returns.
type Subscription interface {
	Unsubscribe()
}

// Update is a partial record write. Nil fields are left untouched.
type Update struct {
	JoinerID   *string
	JoinerName *string
	Offer      *SessionDescription
	Answer     *SessionDescription
	Status     *Status
	JoinedAt   *time.Time
	EndedAt    *time.Time
}

// Apply returns rec with u merged in.
func (u Update) Apply(rec Record) Record {
	if u.JoinerID != nil {
		rec.JoinerID = *u.JoinerID
	}
	if u.JoinerName != nil {
		rec.JoinerName = *u.JoinerName
	}
	if u.Offer != nil {
		o := *u.Offer
		rec.Offer = &o
	}
	if u.Answer != nil {
		a := *u.Answer
		rec.Answer = &a
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.JoinedAt != nil {
		t := *u.JoinedAt
		rec.JoinedAt = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		rec.EndedAt = &t
	}
	return rec
}

// Precondition guards an optimistic read-modify-write. Zero fields match
// anything.
type Precondition struct {
	// Status, when non-empty, lists the statuses the record may be in.
	Status []Status
	// InitiatorID, when set, must equal the record's initiator.
	InitiatorID *string
	// JoinerID, when set, must equal the record's joiner ("" means unclaimed).
	JoinerID *string
}

// Holds reports whether rec satisfies p.
func (p Precondition) Holds(rec Record) bool {
	if len(p.Status) > 0 && !slices.Contains(p.Status, rec.Status) {
		return false
	}
	if p.InitiatorID != nil && rec.InitiatorID != *p.InitiatorID {
		return false
	}
	if p.JoinerID != nil && rec.JoinerID != *p.JoinerID {
		return false
	}
	return true
}

// CheckPreconditions returns ErrPreconditionFailed if any condition fails.
func CheckPreconditions(rec Record, conds []Precondition) error {
	for _, c := range conds {
		if !c.Holds(rec) {
			return ErrPreconditionFailed
		}
	}
	return nil
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

func ptr[T any](v T) *T { return &v }
