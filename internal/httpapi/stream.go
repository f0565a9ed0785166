package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatcall/internal/calls"
	"chatcall/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens authenticate the stream; browsers connect from the app origin
	// which is not known here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events streams the caller's lifecycle events for one call id over a
// websocket: a snapshot of the live attempt (if any), then state, active,
// ended and error events, plus incoming-call notices for the call id.
func (h Handlers) Events(c *gin.Context) {
	id, callID, ok := h.scope(c)
	if !ok {
		return
	}
	log := logger.ForCall(logger.FromGin(c), callID, id.UserID)

	events, release := h.Hub.Subscribe(callID, id.UserID)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan Event, 8)
	self := calls.Participant{ID: id.UserID, Name: id.DisplayName}
	watch, err := h.Calls.WatchIncoming(ctx, callID, self, func(in calls.Incoming) {
		select {
		case incoming <- Event{Type: EventIncoming, CallID: callID, At: time.Now().UTC(), Incoming: &in}:
		default:
		}
	})
	if err != nil {
		log.Warn("incoming watch failed", "err", err)
	} else {
		defer watch.Unsubscribe()
	}

	// Subscriptions are in place before the handshake completes so nothing
	// published after the client connects is missed.
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Info("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(e Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			log.Debug("websocket write failed", "err", err)
			return false
		}
		return true
	}

	if call, found := h.Calls.Lookup(callID, id.UserID); found {
		snap := call.Snapshot()
		if !write(Event{Type: EventSnapshot, CallID: callID, At: time.Now().UTC(), State: snap.State, Snapshot: &snap}) {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case e := <-events:
			if !write(e) {
				return
			}
		case e := <-incoming:
			if !write(e) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
