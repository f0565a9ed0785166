package calls

import (
	"errors"
	"fmt"
	"time"
)

// Record is the shared call document stored in the signaling channel.
//
// Invariants:
// - At most one JoinerID at a time.
// - A record whose Status is any ended* value is stale and must be purged
//   (record + both candidate logs) before the CallID is reused.
// - MediaMode never changes for the life of the call.
type Record struct {
	CallID string `json:"call_id"`

	InitiatorID   string `json:"initiator_id"`
	InitiatorName string `json:"initiator_name,omitempty"`

	// JoinerID is empty until a joiner claims the call.
	JoinerID   string `json:"joiner_id,omitempty"`
	JoinerName string `json:"joiner_name,omitempty"`

	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`

	Status    Status    `json:"status"`
	MediaMode MediaMode `json:"media_mode"`

	CreatedAt time.Time  `json:"created_at"`
	JoinedAt  *time.Time `json:"joined_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Validate rejects partial or unknown shapes. Adapters call it at the
// deserialization boundary.
func (r Record) Validate() error {
	if r.CallID == "" {
		return fmt.Errorf("%w: call_id missing", ErrInvalidRecord)
	}
	if r.InitiatorID == "" {
		return fmt.Errorf("%w: initiator_id missing", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if !r.MediaMode.Valid() {
		return fmt.Errorf("%w: unknown media_mode %q", ErrInvalidRecord, r.MediaMode)
	}
	if r.JoinerID == "" && r.Answer != nil {
		return fmt.Errorf("%w: answer without joiner", ErrInvalidRecord)
	}
	if r.Offer != nil && r.Offer.Type != SDPTypeOffer {
		return fmt.Errorf("%w: offer has type %q", ErrInvalidRecord, r.Offer.Type)
	}
	if r.Answer != nil && r.Answer.Type != SDPTypeAnswer {
		return fmt.Errorf("%w: answer has type %q", ErrInvalidRecord, r.Answer.Type)
	}
	return nil
}

// Stale reports whether the record belongs to a call that already ended.
func (r Record) Stale() bool { return r.Status.IsEnded() }

// Occupant reports whether id holds either role in the record.
func (r Record) Occupant(id string) bool {
	return id != "" && (r.InitiatorID == id || r.JoinerID == id)
}

var ErrInvalidRecord = errors.New("calls: invalid record")

type Status string

const (
	StatusRinging          Status = "ringing"
	StatusActive           Status = "active"
	StatusEndedByInitiator Status = "ended_by_initiator"
	StatusEndedByJoiner    Status = "ended_by_joiner"
	StatusEnded            Status = "ended"
)

// EndedStatuses lists every terminal status.
func EndedStatuses() []Status {
	return []Status{StatusEndedByInitiator, StatusEndedByJoiner, StatusEnded}
}

func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusActive, StatusEndedByInitiator, StatusEndedByJoiner, StatusEnded:
		return true
	default:
		return false
	}
}

func (s Status) IsEnded() bool {
	switch s {
	case StatusEndedByInitiator, StatusEndedByJoiner, StatusEnded:
		return true
	default:
		return false
	}
}

type MediaMode string

const (
	MediaAudioOnly  MediaMode = "audio_only"
	MediaAudioVideo MediaMode = "audio_video"
)

func (m MediaMode) Valid() bool {
	return m == MediaAudioOnly || m == MediaAudioVideo
}

// HasVideo reports whether the mode carries a video track.
func (m MediaMode) HasVideo() bool { return m == MediaAudioVideo }

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an opaque offer or answer.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is one connectivity candidate. Field names follow the
// RTCIceCandidateInit JSON shape so browser and native peers can share logs.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// LogName names one of the two append-only candidate logs of a call.
type LogName string

const (
	LogInitiatorCandidates LogName = "initiatorCandidates"
	LogJoinerCandidates    LogName = "joinerCandidates"
)

func (l LogName) Valid() bool {
	return l == LogInitiatorCandidates || l == LogJoinerCandidates
}

// Role is the local participant's position in a call.
type Role string

const (
	RoleUnresolved Role = ""
	RoleInitiator  Role = "initiator"
	RoleJoiner     Role = "joiner"
)

// Other returns the opposite role. Unresolved maps to itself.
func (r Role) Other() Role {
	switch r {
	case RoleInitiator:
		return RoleJoiner
	case RoleJoiner:
		return RoleInitiator
	default:
		return RoleUnresolved
	}
}

// OutboundLog is the log this role appends its own candidates to.
func (r Role) OutboundLog() (LogName, bool) {
	switch r {
	case RoleInitiator:
		return LogInitiatorCandidates, true
	case RoleJoiner:
		return LogJoinerCandidates, true
	default:
		return "", false
	}
}

// InboundLog is the log carrying the other role's candidates.
func (r Role) InboundLog() (LogName, bool) {
	return r.Other().OutboundLog()
}

// EndedStatus is the status attributing the end of a call to this role.
func (r Role) EndedStatus() Status {
	switch r {
	case RoleInitiator:
		return StatusEndedByInitiator
	case RoleJoiner:
		return StatusEndedByJoiner
	default:
		return StatusEnded
	}
}

// Participant identifies the local user.
type Participant struct {
	ID   string
	Name string
}
