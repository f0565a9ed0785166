package httpapi

import (
	"log/slog"
	"sync"
	"time"

	"chatcall/internal/calls"
)

type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventState    EventType = "state"
	EventActive   EventType = "active"
	EventEnded    EventType = "ended"
	EventError    EventType = "error"
	EventIncoming EventType = "incoming"
)

// Event is one message on a participant's call stream.
type Event struct {
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`
	At     time.Time `json:"at"`

	State           calls.State     `json:"state,omitempty"`
	Reason          calls.EndReason `json:"reason,omitempty"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	Kind            calls.ErrorKind `json:"kind,omitempty"`
	Message         string          `json:"message,omitempty"`

	Snapshot *calls.Snapshot `json:"snapshot,omitempty"`
	Incoming *calls.Incoming `json:"incoming,omitempty"`
}

type streamKey struct {
	callID string
	userID string
}

const subscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// Hub fans call lifecycle events out to the streams a participant has open
// for a call. Slow readers lose events rather than blocking the call.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu   sync.Mutex
	subs map[streamKey]map[*subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, now: time.Now, subs: make(map[streamKey]map[*subscriber]struct{})}
}

// Subscribe returns the event channel for (callID, userID) and a func that
// releases it.
func (h *Hub) Subscribe(callID, userID string) (<-chan Event, func()) {
	k := streamKey{callID: callID, userID: userID}
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[k]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[k] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[k], s)
			if len(h.subs[k]) == 0 {
				delete(h.subs, k)
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(callID, userID string, e Event) {
	if e.At.IsZero() {
		e.At = h.now().UTC()
	}
	e.CallID = callID

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[streamKey{callID: callID, userID: userID}] {
		select {
		case s.ch <- e:
		default:
			h.log.Warn("stream event dropped", "call_id", callID, "user_id", userID, "type", string(e.Type))
		}
	}
}

// Observer routes a call's notifications to its participant's streams.
func (h *Hub) Observer(callID, userID string) calls.Observer {
	return calls.Observer{
		OnState: func(s calls.State) {
			h.Publish(callID, userID, Event{Type: EventState, State: s})
		},
		OnActive: func() {
			h.Publish(callID, userID, Event{Type: EventActive, State: calls.StateActive})
		},
		OnEnded: func(info calls.EndInfo) {
			secs := info.Seconds()
			h.Publish(callID, userID, Event{Type: EventEnded, State: calls.StateEnded, Reason: info.Reason, DurationSeconds: &secs})
		},
		OnError: func(kind calls.ErrorKind, err error) {
			e := Event{Type: EventError, State: calls.StateFailed, Kind: kind}
			if err != nil {
				e.Message = err.Error()
			}
			h.Publish(callID, userID, e)
		},
	}
}
