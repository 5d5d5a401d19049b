package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/zeroday/pkg/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Client is one websocket connection with its own bus subscription. A slow
// client loses events (counted on the subscription); it never blocks the
// engine.
type Client struct {
	conn *websocket.Conn
	sub  *events.Subscription
	id   string
	log  *zap.SugaredLogger
	done chan struct{}
}

// readPump drains client frames so control messages are processed. Payloads
// are ignored; the stream is server-to-client only.
func (c *Client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			return
		}
	}
}

// writePump forwards bus events as JSON text frames until the client goes
// away or the bus closes
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				c.log.Warnw("ws_marshal_failed", "event", ev.Kind(), "seq", ev.Seq(), "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	bus := s.engine.Bus()
	if bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus disabled", "")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		conn: conn,
		sub:  bus.Subscribe(s.opts.EventBuffer),
		id:   conn.RemoteAddr().String(),
		log:  s.log,
		done: make(chan struct{}),
	}

	// greet with the current mark; subscribed first so nothing after it is missed
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.engine.MarkEvent()); err != nil {
		s.log.Debugw("ws_greeting_failed", "client", client.id, "err", err)
		client.sub.Close()
		_ = conn.Close()
		return
	}

	s.opts.Metrics.WSClientAdd(1)
	s.log.Infow("ws_connected", "client", client.id, "subscribers", bus.Subscribers())

	go func() {
		client.writePump()
		s.opts.Metrics.WSClientAdd(-1)
		s.log.Infow("ws_disconnected", "client", client.id, "dropped", client.sub.Dropped())
	}()
	go client.readPump()
}
