package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"taskpilot/internal/auth"
	"taskpilot/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
)

// Broker is the observer side of the event hub.
type Broker interface {
	Subscribe(ctx context.Context) (*events.Subscriber, error)
	Unsubscribe(sub *events.Subscriber)
	JoinRoom(sub *events.Subscriber, jobID string)
	LeaveRoom(sub *events.Subscriber, jobID string)
}

// WSHandler streams hub events to observers. Clients send
// {"action":"join"|"leave","jobId":"..."} to follow a job's output.
type WSHandler struct {
	Broker Broker
	// Origins is the allow-list for the Origin header. Empty falls back to
	// a same-host check; "*" allows any origin.
	Origins []string
	Logger  *slog.Logger
}

type clientMessage struct {
	Action string `json:"action"`
	JobID  string `json:"jobId"`
}

func (h *WSHandler) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(h.Origins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(h.Origins, "*") || slices.Contains(h.Origins, origin)
		}
	}
	return u
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	log := logger(h.Logger).With("component", "ws", "remote_addr", r.RemoteAddr)
	if subject, ok := auth.SubjectFromContext(r.Context()); ok {
		log = log.With("observer", subject)
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn("ws: upgrade failed", "error", err)
		return
	}

	sub, err := h.Broker.Subscribe(r.Context())
	if err != nil {
		log.Warn("ws: subscribe failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	log = log.With("subscriber", sub.ID)
	log.Info("ws: connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, sub, log)
	}()

	h.readPump(conn, sub, log)
	h.Broker.Unsubscribe(sub)
	<-done
	log.Debug("ws: disconnected")
}

// readPump handles room membership until the peer goes away.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *events.Subscriber, log *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("ws: read failed", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ws: bad message", "error", err)
			continue
		}
		switch msg.Action {
		case "join":
			h.Broker.JoinRoom(sub, msg.JobID)
		case "leave":
			h.Broker.LeaveRoom(sub, msg.JobID)
		default:
			log.Debug("ws: unknown action", "action", msg.Action)
		}
	}
}

// writePump is the only writer on conn. It exits when the subscriber channel
// closes or a write fails; closing conn then unblocks readPump.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *events.Subscriber, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("ws: write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
