package calllog

import (
	"strings"
	"time"

	"chatcall/internal/calls"
)

// Entry is one participant's view of one call attempt, as shown in the
// conversation feed.
//
// Invariants:
// - Entries are written once, when the attempt finishes.
// - UserID and CallID are required; GroupID is derived from CallID.
type Entry struct {
	ID      string `json:"id" db:"id"`
	GroupID string `json:"group_id" db:"group_id"`
	CallID  string `json:"call_id" db:"call_id"`
	UserID  string `json:"user_id" db:"user_id"`

	PeerID   string `json:"peer_id,omitempty" db:"peer_id"`
	PeerName string `json:"peer_name,omitempty" db:"peer_name"`

	Role      calls.Role      `json:"role,omitempty" db:"role"`
	MediaMode calls.MediaMode `json:"media_mode" db:"media_mode"`
	Outcome   Outcome         `json:"outcome" db:"outcome"`

	// Reason is set for calls that ended normally, ErrorKind for failures.
	Reason    calls.EndReason `json:"reason,omitempty" db:"reason"`
	ErrorKind calls.ErrorKind `json:"error_kind,omitempty" db:"error_kind"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	ActiveAt  *time.Time `json:"active_at,omitempty" db:"active_at"`
	EndedAt   time.Time  `json:"ended_at" db:"ended_at"`
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeFailed    Outcome = "failed"
	OutcomeBusy      Outcome = "busy"
)

// OutcomeOf classifies a finished attempt.
func OutcomeOf(o calls.Outcome) Outcome {
	switch {
	case o.Kind == calls.KindCallBusy:
		return OutcomeBusy
	case o.Kind != "":
		return OutcomeFailed
	case o.Reason == calls.ReasonDeclined:
		return OutcomeDeclined
	case o.Reason == calls.ReasonMissed:
		return OutcomeMissed
	case !o.ActiveAt.IsZero():
		return OutcomeCompleted
	default:
		return OutcomeMissed
	}
}

// GroupOf returns the group prefix of a scoped call id ("<group>/<call>").
func GroupOf(callID string) string {
	g, _, ok := strings.Cut(callID, "/")
	if !ok {
		return ""
	}
	return g
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type HistoryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
	Limit  int       `json:"limit,omitempty"`
}

type SummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type Summary struct {
	UserID string `json:"user_id"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	MissedCalls    int `json:"missed_calls"`
	DeclinedCalls  int `json:"declined_calls"`
	FailedCalls    int `json:"failed_calls"`
	BusyCalls      int `json:"busy_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
