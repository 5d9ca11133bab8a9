package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one live websocket connection bound to at most one
// principal. A principal may hold many clients (tabs, devices).
type Client struct {
	ID        string
	Principal models.Principal
	// Resolved is false for pre-auth connections; they may stay open
	// but every chat operation fails closed.
	Resolved bool

	conn   *websocket.Conn
	send   chan *events.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	// guarded by the registry mutex
	rooms        map[string]struct{}
	registered   bool
	unregistered bool
}

// Send queues an envelope without blocking. Slow consumers are
// disconnected rather than allowed to stall fan-out.
func (c *Client) trySend(env *events.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug().Err(err).Str("client_id", c.ID).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
