package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - group_id is required for tenancy isolation.
// - Audit is best-effort; call flows never block on audit failures.
type Event struct {
	ID      string `json:"id" db:"id"`
	GroupID string `json:"group_id" db:"group_id"`

	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole is the call role (initiator, joiner) for call events.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	CallID   string `json:"call_id,omitempty" db:"call_id"`
	HandleID string `json:"handle_id,omitempty" db:"handle_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallRoleResolved EventType = "call_role_resolved"
	EventTypeCallEnded        EventType = "call_ended"
	EventTypeCallFailed       EventType = "call_failed"
	EventTypeCallRejected     EventType = "call_rejected"
)
