package calllog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatcall/internal/calls"
)

var ErrInvalidRequest = errors.New("calllog: invalid request")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Repository stores call log entries.
//
// List must filter by user and return entries newest first.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, userID string, from, to time.Time, limit int) ([]Entry, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: log}
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("calllog: repository not configured")
	}
	if e.UserID == "" || e.CallID == "" || e.Outcome == "" {
		return ErrInvalidRequest
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.GroupID == "" {
		e.GroupID = GroupOf(e.CallID)
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = s.clock().UTC()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.EndedAt
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) History(ctx context.Context, req HistoryRequest) ([]Entry, error) {
	if req.UserID == "" {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("calllog: repository not configured")
	}
	from, to, err := s.window(req.Range)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.List(ctx, req.UserID, from, to, limit)
}

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.UserID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("calllog: repository not configured")
	}
	from, to, err := s.window(req.Range)
	if err != nil {
		return Summary{}, err
	}

	rows, err := s.repo.List(ctx, req.UserID, from, to, 0)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{UserID: req.UserID}
	for _, e := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += e.DurationSeconds
		switch e.Outcome {
		case OutcomeCompleted:
			out.CompletedCalls++
		case OutcomeMissed:
			out.MissedCalls++
		case OutcomeDeclined:
			out.DeclinedCalls++
		case OutcomeFailed:
			out.FailedCalls++
		case OutcomeBusy:
			out.BusyCalls++
		}
	}
	// Only completed calls carry talk time.
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	return out, nil
}

// window defaults an open range to the last 30 days.
func (s *Service) window(r TimeRange) (time.Time, time.Time, error) {
	from, to := r.From, r.To
	if to.IsZero() {
		to = s.clock().UTC().Add(time.Second)
	}
	if from.IsZero() {
		from = to.Add(-30 * 24 * time.Hour)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, ErrInvalidRequest
	}
	return from, to, nil
}

// Recorder writes one entry per finished call attempt.
type Recorder struct {
	Log *Service
}

func (r Recorder) CallResolved(context.Context, calls.Snapshot) {}

func (r Recorder) CallFinished(ctx context.Context, o calls.Outcome) {
	if r.Log == nil {
		return
	}
	e := Entry{
		CallID:    o.CallID,
		UserID:    o.Self.ID,
		PeerID:    o.Peer.ID,
		PeerName:  o.Peer.Name,
		Role:      o.Role,
		MediaMode: o.Mode,
		Outcome:   OutcomeOf(o),
		Reason:    o.Reason,
		ErrorKind: o.Kind,
		StartedAt: o.StartedAt,
		EndedAt:   o.EndedAt,
	}
	if !o.ActiveAt.IsZero() {
		at := o.ActiveAt
		e.ActiveAt = &at
		e.DurationSeconds = int(o.Duration / time.Second)
	}
	if err := r.Log.Append(ctx, e); err != nil {
		r.Log.log.Warn("call log append failed", "call_id", o.CallID, "user_id", o.Self.ID, "err", err)
	}
}
