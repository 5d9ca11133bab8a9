package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
)

type ChatHandler struct {
	chats *services.ChatService
	log   zerolog.Logger
}

func NewChatHandler(chats *services.ChatService, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		chats: chats,
		log:   log.With().Str("component", "chat_handler").Logger(),
	}
}

type createChatRequest struct {
	Message string `json:"message"`
}

// CreateChat opens a chat with the first customer message, or reuses
// the caller's active chat when one exists.
func (h *ChatHandler) CreateChat(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	var req createChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	chat, err := h.chats.CreateChat(c.Request().Context(), p, req.Message)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusCreated, chat)
}

// ListChats returns the caller's own chats with unread counts.
func (h *ChatHandler) ListChats(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	items, err := h.chats.GetUserChats(c.Request().Context(), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// ManagerChats is the staff queue: every active and waiting chat.
func (h *ChatHandler) ManagerChats(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	items, err := h.chats.GetManagerChats(c.Request().Context(), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ChatHandler) GetChat(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	chat, err := h.chats.GetChatByID(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, chat)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) SendMessage(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	msg, err := h.chats.SendMessage(c.Request().Context(), c.Param("id"), p, req.Content)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *ChatHandler) MarkAsRead(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	count, err := h.chats.MarkAsRead(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"marked": count})
}

// AssignManager claims the chat for the calling manager.
func (h *ChatHandler) AssignManager(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	chat, err := h.chats.AssignManager(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, chat)
}

func (h *ChatHandler) CloseChat(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	chat, err := h.chats.CloseChat(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, chat)
}

type offerRequest struct {
	services.OfferInput
}

// CreateOffer posts a product offer into the chat as the manager.
func (h *ChatHandler) CreateOffer(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	var req offerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	offer, err := h.chats.CreateOffer(c.Request().Context(), c.Param("id"), p, req.OfferInput)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusCreated, offer)
}

func (h *ChatHandler) UpdateOffer(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	var req offerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	offer, err := h.chats.UpdateOffer(c.Request().Context(), c.Param("offerId"), p, req.OfferInput)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}

func (h *ChatHandler) CancelOffer(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	offer, err := h.chats.CancelOffer(c.Request().Context(), c.Param("offerId"), p)
	if err != nil {
		return h.chatError(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unresolved identity"})
}

func (h *ChatHandler) chatError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, services.ErrChatNotFound), errors.Is(err, services.ErrOfferNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, services.ErrAccessDenied):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "access denied"})
	case errors.Is(err, services.ErrUnresolvedIdentity):
		return unauthorized(c)
	}
	h.log.Error().Err(err).Msg("chat operation failed")
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
