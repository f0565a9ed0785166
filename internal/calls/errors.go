package calls

import (
	"errors"
	"fmt"
)

var (
	ErrMediaDenied            = errors.New("calls: media denied")
	ErrMediaUnavailable       = errors.New("calls: media unavailable")
	ErrNegotiationState       = errors.New("calls: negotiation state")
	ErrCallBusy               = errors.New("calls: call busy")
	ErrCallTypeMismatch       = errors.New("calls: call type mismatch")
	ErrInvalidCallState       = errors.New("calls: invalid call state")
	ErrConnectionTimeout      = errors.New("calls: connection timeout")
	ErrConnectionFailed       = errors.New("calls: connection failed")
	ErrChannel                = errors.New("calls: channel error")
	ErrAlreadyExists          = errors.New("calls: record already exists")
	ErrNotFound               = errors.New("calls: record not found")
	ErrPreconditionFailed     = errors.New("calls: precondition failed")
	ErrRemoteDescriptionUnset = errors.New("calls: remote description not set")
	ErrCallEnded              = errors.New("calls: call ended")
	ErrAlreadyInCall          = errors.New("calls: already in call")
	ErrInvalidArgument        = errors.New("calls: invalid argument")
)

// ErrorKind is the caller-facing error taxonomy surfaced through onError.
type ErrorKind string

const (
	KindMediaDenied       ErrorKind = "media_denied"
	KindMediaUnavailable  ErrorKind = "media_unavailable"
	KindNegotiationState  ErrorKind = "negotiation_state"
	KindCallBusy          ErrorKind = "call_busy"
	KindCallTypeMismatch  ErrorKind = "call_type_mismatch"
	KindInvalidCallState  ErrorKind = "invalid_call_state"
	KindConnectionTimeout ErrorKind = "connection_timeout"
	KindConnectionFailed  ErrorKind = "connection_failed"
	KindChannel           ErrorKind = "channel_error"
	KindInternal          ErrorKind = "internal"
)

// KindOf classifies err. Order matters: the most specific sentinel wins.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMediaDenied):
		return KindMediaDenied
	case errors.Is(err, ErrMediaUnavailable):
		return KindMediaUnavailable
	case errors.Is(err, ErrNegotiationState):
		return KindNegotiationState
	case errors.Is(err, ErrCallBusy):
		return KindCallBusy
	case errors.Is(err, ErrCallTypeMismatch):
		return KindCallTypeMismatch
	case errors.Is(err, ErrInvalidCallState):
		return KindInvalidCallState
	case errors.Is(err, ErrConnectionTimeout):
		return KindConnectionTimeout
	case errors.Is(err, ErrConnectionFailed):
		return KindConnectionFailed
	case errors.Is(err, ErrChannel):
		return KindChannel
	default:
		return KindInternal
	}
}

// ChannelError marks err as a transport-level failure talking to the
// signaling channel while keeping the cause inspectable.
func ChannelError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannel) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrChannel, op, err)
}

// NegotiationError reports a description set attempted in the wrong state.
func NegotiationError(op string, state NegotiationState) error {
	return fmt.Errorf("%w: %s in %s", ErrNegotiationState, op, state)
}
