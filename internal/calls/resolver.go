package calls

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultResolveAttempts = 4

// Resolution is the outcome of classifying a call for the local participant.
type Resolution struct {
	Role   Role
	Record Record
	// Created is set when this participant wrote a fresh record.
	Created bool
	// Resumed is set when the record already named this participant.
	Resumed bool
}

// Resolver decides whether the local participant initiates or joins a call.
// Every mutation is conditional, so two resolvers racing on the same call id
// never both become Initiator nor both become Joiner.
type Resolver struct {
	ch          Channel
	now         func() time.Time
	maxAttempts int
}

func NewResolver(ch Channel, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{ch: ch, now: now, maxAttempts: defaultResolveAttempts}
}

func (r *Resolver) Resolve(ctx context.Context, callID string, self Participant, mode MediaMode) (Resolution, error) {
	if callID == "" || self.ID == "" {
		return Resolution{}, fmt.Errorf("%w: call id and participant id are required", ErrInvalidArgument)
	}
	if !mode.Valid() {
		return Resolution{}, fmt.Errorf("%w: media mode %q", ErrInvalidArgument, mode)
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		res, retry, err := r.attempt(ctx, callID, self, mode)
		if err != nil {
			return Resolution{}, err
		}
		if !retry {
			return res, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s still contended after %d attempts", ErrInvalidCallState, callID, r.maxAttempts)
}

func (r *Resolver) attempt(ctx context.Context, callID string, self Participant, mode MediaMode) (Resolution, bool, error) {
	rec, ok, err := r.ch.GetRecord(ctx, callID)
	if err != nil {
		return Resolution{}, false, ChannelError("get record", err)
	}

	if !ok || rec.Stale() {
		if ok {
			err := r.ch.DeleteRecord(ctx, callID, Precondition{Status: EndedStatuses()})
			if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPreconditionFailed) {
				return Resolution{}, false, ChannelError("purge stale record", err)
			}
		}
		return r.create(ctx, callID, self, mode)
	}

	switch {
	case rec.InitiatorID == self.ID:
		if rec.MediaMode != mode {
			return Resolution{}, false, mismatch(rec, mode)
		}
		return Resolution{Role: RoleInitiator, Record: rec, Resumed: true}, false, nil

	case rec.JoinerID == self.ID && (rec.Status == StatusRinging || rec.Status == StatusActive):
		if rec.MediaMode != mode {
			return Resolution{}, false, mismatch(rec, mode)
		}
		return Resolution{Role: RoleJoiner, Record: rec, Resumed: true}, false, nil

	case rec.Status == StatusRinging && rec.JoinerID == "":
		if rec.MediaMode != mode {
			return Resolution{}, false, mismatch(rec, mode)
		}
		return r.claim(ctx, callID, rec, self)

	case (rec.Status == StatusRinging || rec.Status == StatusActive) && rec.JoinerID != "":
		return Resolution{}, false, fmt.Errorf("%w: %s", ErrCallBusy, callID)

	default:
		return Resolution{}, false, fmt.Errorf("%w: %s is %s", ErrInvalidCallState, callID, rec.Status)
	}
}

func (r *Resolver) create(ctx context.Context, callID string, self Participant, mode MediaMode) (Resolution, bool, error) {
	rec := Record{
		CallID:        callID,
		InitiatorID:   self.ID,
		InitiatorName: self.Name,
		Status:        StatusRinging,
		MediaMode:     mode,
		CreatedAt:     r.now().UTC(),
	}
	err := r.ch.CreateRecord(ctx, rec)
	if errors.Is(err, ErrAlreadyExists) {
		return Resolution{}, true, nil
	}
	if err != nil {
		return Resolution{}, false, ChannelError("create record", err)
	}

	for _, log := range []LogName{LogInitiatorCandidates, LogJoinerCandidates} {
		if err := r.ch.DeleteAllCandidates(ctx, callID, log); err != nil {
			return Resolution{}, false, ChannelError("clear "+string(log), err)
		}
	}
	return Resolution{Role: RoleInitiator, Record: rec, Created: true}, false, nil
}

func (r *Resolver) claim(ctx context.Context, callID string, rec Record, self Participant) (Resolution, bool, error) {
	unclaimed := ""
	err := r.ch.UpdateRecord(ctx, callID,
		Update{JoinerID: &self.ID, JoinerName: &self.Name},
		Precondition{Status: []Status{StatusRinging}, JoinerID: &unclaimed, InitiatorID: &rec.InitiatorID},
	)
	switch {
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrNotFound):
		return Resolution{}, true, nil
	case err != nil:
		return Resolution{}, false, ChannelError("claim joiner", err)
	}
	rec.JoinerID = self.ID
	rec.JoinerName = self.Name
	return Resolution{Role: RoleJoiner, Record: rec}, false, nil
}

func mismatch(rec Record, mode MediaMode) error {
	return fmt.Errorf("%w: call is %s, requested %s", ErrCallTypeMismatch, rec.MediaMode, mode)
}
