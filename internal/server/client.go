package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/protocol"
)

// client is one websocket connection. It binds to a room on its first
// join message; until then only join is accepted.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	room     *Room
	identity *identity
	view     protocol.View
}

// readPump reads envelopes until the connection drops, routing them to
// the bound room.
func (c *client) readPump() {
	cfg := c.hub.cfg.Connection
	defer func() {
		if c.room != nil {
			c.room.leave(c)
		}
		c.conn.Close()
		activeConnections.Dec()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if c.room == nil {
			if env.Type != protocol.TypeJoin {
				log.Warn().
					Str("client_id", c.id).
					Str("type", string(env.Type)).
					Msg("message before join, ignoring")
				continue
			}
			var p protocol.JoinPayload
			if err := env.Decode(&p); err != nil {
				log.Warn().Err(err).Str("client_id", c.id).Msg("malformed join")
				continue
			}
			if p.SessionID == "" {
				log.Warn().Str("client_id", c.id).Msg("join without session id")
				continue
			}
			room := c.hub.RoomFor(p.SessionID)
			c.room = room
			room.join(c, p)
			continue
		}

		c.room.handle(c, env)
	}
}

// writePump drains the send channel to the connection and keeps the
// connection alive with control pings.
func (c *client) writePump() {
	cfg := c.hub.cfg.Connection
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
