package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway upgrades connections, attaches principals and dispatches the
// inbound protocol onto the chat service.
type Gateway struct {
	identity *services.IdentityService
	chats    *services.ChatService
	unread   *services.UnreadStore
	registry *Registry
	log      zerolog.Logger
}

func NewGateway(identity *services.IdentityService, chats *services.ChatService, unread *services.UnreadStore, registry *Registry, log zerolog.Logger) *Gateway {
	return &Gateway{
		identity: identity,
		chats:    chats,
		unread:   unread,
		registry: registry,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// HandleWS is the websocket endpoint. Identity travels as handshake
// query metadata, not per-message; reconnection re-resolves it.
func (g *Gateway) HandleWS(c echo.Context) error {
	accessToken := c.QueryParam("token")
	anonymousToken := c.QueryParam("anonymousToken")

	principal, err := g.identity.ResolvePrincipal(c.Request().Context(), accessToken, anonymousToken)
	resolved := err == nil
	if err != nil && !errors.Is(err, services.ErrUnresolvedIdentity) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:        uuid.NewString(),
		Principal: principal,
		Resolved:  resolved,
		conn:      conn,
		send:      make(chan *events.Envelope, sendBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		log:       g.log,
	}

	if resolved {
		g.registry.Register(client)

		// Customers auto-join their chat rooms; staff join the managers
		// broadcast set and enter specific rooms from the dashboard.
		if principal.IsStaff() {
			g.log.Debug().Str("principal", principal.Key()).Msg("staff connection")
		} else if chatIDs, err := g.chats.ChatIDsFor(ctx, principal); err == nil {
			for _, chatID := range chatIDs {
				g.registry.JoinChat(client, chatID)
			}
		} else {
			g.log.Warn().Err(err).Str("principal", principal.Key()).Msg("auto-join lookup failed")
		}
		g.hydrateUnread(ctx, client)
	}

	go client.writePump()
	g.readPump(client)
	return nil
}

// hydrateUnread replays the stored counters so a fresh tab shows
// badges without waiting for traffic.
func (g *Gateway) hydrateUnread(ctx context.Context, c *Client) {
	snapshot, err := g.unread.Snapshot(ctx, c.Principal.Key())
	if err != nil {
		g.log.Warn().Err(err).Str("principal", c.Principal.Key()).Msg("unread snapshot failed")
		return
	}
	var total int64
	for _, n := range snapshot {
		total += n
	}
	for chatID, n := range snapshot {
		c.trySend(events.MustWrap(events.UnreadUpdate{
			ChatID: chatID,
			Unread: n,
			Total:  total,
		}))
	}
}

func (g *Gateway) readPump(c *Client) {
	defer func() {
		g.registry.Unregister(c)
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env events.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.log.Debug().Err(err).Str("client_id", c.ID).Msg("read error")
			}
			return
		}
		g.dispatch(c, &env)
	}
}

// dispatch routes one inbound frame. Unresolved principals fail closed
// on every operation but keep the connection.
func (g *Gateway) dispatch(c *Client, env *events.Envelope) {
	if !c.Resolved {
		c.trySend(events.MustWrap(events.ErrorEvent{
			Code:    "unresolved_identity",
			Message: "no chat context available",
		}))
		return
	}

	switch env.Type {
	case events.TypeJoinChat:
		g.handleJoin(c, env.Payload)
	case events.TypeLeaveChat:
		g.handleLeave(c, env.Payload)
	case events.TypeSendMessage:
		g.handleSendMessage(c, env.Payload)
	case events.TypeMarkAsRead:
		g.handleMarkAsRead(c, env.Payload)
	case events.TypeTyping:
		g.handleTyping(c, env.Payload)
	default:
		c.trySend(events.MustWrap(events.ErrorEvent{
			Code:    "unknown_event",
			Message: "unsupported event type: " + env.Type,
		}))
	}
}

func (g *Gateway) handleJoin(c *Client, payload json.RawMessage) {
	chatID, err := events.UnmarshalChatRef(payload)
	if err != nil || chatID == "" {
		g.sendError(c, services.ErrValidation)
		return
	}
	if err := g.chats.CanAccess(c.ctx, chatID, c.Principal); err != nil {
		g.sendError(c, err)
		return
	}
	g.registry.JoinChat(c, chatID)
}

func (g *Gateway) handleLeave(c *Client, payload json.RawMessage) {
	chatID, err := events.UnmarshalChatRef(payload)
	if err != nil || chatID == "" {
		return
	}
	g.registry.LeaveChat(c, chatID)
}

func (g *Gateway) handleSendMessage(c *Client, payload json.RawMessage) {
	var req events.SendMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(c, services.ErrValidation)
		return
	}
	if _, err := g.chats.SendMessage(c.ctx, req.ChatID, c.Principal, req.Content); err != nil {
		// Failure reaches the sender only; recipients never saw the
		// message because fan-out happens after persistence.
		g.sendError(c, err)
	}
}

func (g *Gateway) handleMarkAsRead(c *Client, payload json.RawMessage) {
	chatID, err := events.UnmarshalChatRef(payload)
	if err != nil || chatID == "" {
		g.sendError(c, services.ErrValidation)
		return
	}
	if _, err := g.chats.MarkAsRead(c.ctx, chatID, c.Principal); err != nil {
		g.sendError(c, err)
	}
}

// handleTyping rebroadcasts the ephemeral typing state to room peers;
// nothing is persisted.
func (g *Gateway) handleTyping(c *Client, payload json.RawMessage) {
	var req events.TypingRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ChatID == "" {
		return
	}
	g.registry.EmitToChat(req.ChatID, events.MustWrap(events.UserTyping{
		ChatID:   req.ChatID,
		UserID:   c.Principal.ID,
		IsTyping: req.IsTyping,
	}), c.Principal.Key())
}

func (g *Gateway) sendError(c *Client, err error) {
	ev := events.ErrorEvent{Code: "internal", Message: "internal error"}
	switch {
	case errors.Is(err, services.ErrValidation):
		ev = events.ErrorEvent{Code: "validation_error", Message: err.Error()}
	case errors.Is(err, services.ErrChatNotFound):
		ev = events.ErrorEvent{Code: "chat_not_found", Message: "chat not found"}
	case errors.Is(err, services.ErrAccessDenied):
		ev = events.ErrorEvent{Code: "access_denied", Message: "access denied"}
	case errors.Is(err, services.ErrUnresolvedIdentity):
		ev = events.ErrorEvent{Code: "unresolved_identity", Message: "no chat context available"}
	case errors.Is(err, services.ErrPersistence):
		ev = events.ErrorEvent{Code: "persistence_failure", Message: "temporary failure, retry", Retryable: true}
	}
	c.trySend(events.MustWrap(ev))
}
