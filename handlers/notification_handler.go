package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
)

type NotificationHandler struct {
	push *services.PushService
	log  zerolog.Logger
}

func NewNotificationHandler(push *services.PushService, log zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		push: push,
		log:  log.With().Str("component", "notification_handler").Logger(),
	}
}

// VAPIDPublicKey hands the browser the key it needs to subscribe.
func (h *NotificationHandler) VAPIDPublicKey(c echo.Context) error {
	key := h.push.VAPIDPublicKey()
	if key == "" {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "web push is not configured"})
	}
	return c.JSON(http.StatusOK, map[string]string{"public_key": key})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe registers the browser's PushSubscription under the current
// principal. Anonymous visitors can subscribe too; the merge moves the
// subscription along with the rest of their data.
func (h *NotificationHandler) Subscribe(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	var userID, anonymousID *string
	if p.Kind == models.PrincipalAnonymous {
		anonymousID = &p.ID
	} else {
		userID = &p.ID
	}

	sub, err := h.push.Subscribe(c.Request().Context(),
		req.Endpoint, req.Keys.P256dh, req.Keys.Auth,
		c.Request().UserAgent(), userID, anonymousID)
	if err != nil {
		h.log.Warn().Err(err).Msg("push subscribe failed")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "could not register subscription"})
	}
	return c.JSON(http.StatusCreated, sub)
}

// TestSend pushes a probe notification to the calling staff member's
// own subscriptions, for verifying a browser setup end to end.
func (h *NotificationHandler) TestSend(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return unauthorized(c)
	}

	err := h.push.Notify(c.Request().Context(), services.PushJob{
		UserID: &p.ID,
		Title:  "Проверка уведомлений",
		Body:   "Push-уведомления работают.",
		Tag:    "test",
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("test push failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "test push failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "sent"})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *NotificationHandler) Unsubscribe(c echo.Context) error {
	var req unsubscribeRequest
	if err := c.Bind(&req); err != nil || req.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "endpoint is required"})
	}

	if err := h.push.Unsubscribe(c.Request().Context(), req.Endpoint); err != nil {
		h.log.Warn().Err(err).Msg("push unsubscribe failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not remove subscription"})
	}
	return c.NoContent(http.StatusNoContent)
}
