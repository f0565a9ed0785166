package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatcall/internal/calls"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to group members.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.GroupID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogRejected records a declined incoming call.
func (s *Service) LogRejected(ctx context.Context, groupID, actorUserID, callID string) error {
	return s.Append(ctx, Event{
		GroupID:     groupID,
		Type:        EventTypeCallRejected,
		ActorUserID: actorUserID,
		CallID:      callID,
		Message:     "incoming call rejected",
	})
}

// Recorder bridges call lifecycle notifications to the audit log.
type Recorder struct {
	Audit *Service
	Log   *slog.Logger
}

func (r Recorder) CallResolved(ctx context.Context, s calls.Snapshot) {
	r.append(ctx, Event{
		GroupID:     groupOf(s.CallID),
		Type:        EventTypeCallRoleResolved,
		ActorUserID: s.UserID,
		ActorRole:   string(s.Role),
		CallID:      s.CallID,
		HandleID:    s.HandleID,
		Message:     "resolved as " + string(s.Role),
		Metadata:    metadata(map[string]any{"media_mode": s.MediaMode}),
	})
}

func (r Recorder) CallFinished(ctx context.Context, o calls.Outcome) {
	e := Event{
		GroupID:     groupOf(o.CallID),
		ActorUserID: o.Self.ID,
		ActorRole:   string(o.Role),
		CallID:      o.CallID,
		HandleID:    o.HandleID,
	}
	if o.Kind != "" {
		e.Type = EventTypeCallFailed
		e.Message = string(o.Kind)
		meta := map[string]any{"state": o.State}
		if o.Err != nil {
			meta["error"] = o.Err.Error()
		}
		e.Metadata = metadata(meta)
	} else {
		e.Type = EventTypeCallEnded
		e.Message = string(o.Reason)
		e.Metadata = metadata(map[string]any{"duration_seconds": int(o.Duration / time.Second)})
	}
	r.append(ctx, e)
}

func (r Recorder) append(ctx context.Context, e Event) {
	if r.Audit == nil {
		return
	}
	if err := r.Audit.Append(ctx, e); err != nil {
		log := r.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("audit append failed", "type", string(e.Type), "call_id", e.CallID, "err", err)
	}
}

// groupOf returns the group prefix of a scoped call id; unscoped ids audit
// under their own name.
func groupOf(callID string) string {
	g, _, ok := strings.Cut(callID, "/")
	if !ok {
		return callID
	}
	return g
}

func metadata(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
