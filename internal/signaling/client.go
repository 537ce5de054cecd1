package signaling

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayush68824/Qonv-back/internal/pairing"
	"github.com/ayush68824/Qonv-back/internal/protocol"
	"github.com/ayush68824/Qonv-back/internal/ratelimit"
)

// client owns one websocket connection. readPump is the only reader and
// writePump the only writer; close control frames go through WriteControl,
// which gorilla allows concurrently with the writer.
type client struct {
	log         *slog.Logger
	hub         *pairing.Hub
	participant *pairing.Participant
	conn        *websocket.Conn
	bucket      *ratelimit.TokenBucket

	idleTimeout   time.Duration
	pingInterval  time.Duration
	maxEventBytes int64
}

// readPump decodes inbound events and hands them to the hub in arrival order.
// It exits on any read error, protocol violation, or rate-limit breach, and
// its deferred unregister is what ultimately tears the connection down: the
// hub closes the outbox, which stops the write pump.
func (c *client) readPump() {
	defer func() {
		c.hub.Unregister(c.participant.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxEventBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !c.bucket.Allow(1) {
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		ev, err := protocol.ParseClientEvent(data)
		if err != nil {
			c.log.Debug("invalid client event", "err", err)
			writeClose(c.conn, websocket.CloseUnsupportedData, "invalid event")
			return
		}

		c.hub.HandleEvent(c.participant.ID, ev)
	}
}

// writePump drains the participant's outbox onto the wire and keeps the
// connection alive with periodic pings. The outbox closing (hub-side
// unregister or shutdown) ends the connection with a normal closure.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.participant.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
