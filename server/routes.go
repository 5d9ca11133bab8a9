package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/middleware"
)

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.echo.Group("/api/v1")

	// Auth does not require a resolved principal. The cheap-to-abuse
	// endpoints sit behind a per-IP window.
	auth := api.Group("/auth")
	auth.POST("/anonymous", s.authHandler.Anonymous,
		middleware.RateLimit(s.limiter, "anon", 10, time.Minute))
	auth.POST("/send-otp", s.authHandler.SendOTP,
		middleware.RateLimit(s.limiter, "otp", 3, time.Minute))
	auth.POST("/verify-otp", s.authHandler.VerifyOTP,
		middleware.RateLimit(s.limiter, "otp-verify", 10, time.Minute))
	auth.POST("/refresh", s.authHandler.Refresh)
	auth.POST("/staff/login", s.authHandler.StaffLogin,
		middleware.RateLimit(s.limiter, "staff-login", 10, time.Minute))

	principal := middleware.PrincipalMiddleware(s.identity)
	api.GET("/user", s.authHandler.Me, principal)

	chats := api.Group("/chats", principal)
	chats.POST("", s.chatHandler.CreateChat)
	chats.GET("", s.chatHandler.ListChats)
	chats.GET("/manager", s.chatHandler.ManagerChats, middleware.RequireStaff())
	chats.GET("/:id", s.chatHandler.GetChat)
	chats.POST("/:id/messages", s.chatHandler.SendMessage)
	chats.POST("/:id/read", s.chatHandler.MarkAsRead)
	chats.POST("/:id/close", s.chatHandler.CloseChat)
	chats.POST("/:id/assign", s.chatHandler.AssignManager, middleware.RequireStaff())
	chats.POST("/:id/offers", s.chatHandler.CreateOffer, middleware.RequireStaff())

	offers := api.Group("/offers", principal, middleware.RequireStaff())
	offers.PATCH("/:offerId", s.chatHandler.UpdateOffer)
	offers.POST("/:offerId/cancel", s.chatHandler.CancelOffer)

	notifications := api.Group("/notifications")
	notifications.GET("/vapid-public-key", s.notificationHandler.VAPIDPublicKey)
	notifications.POST("/subscribe", s.notificationHandler.Subscribe, principal)
	notifications.DELETE("/subscribe", s.notificationHandler.Unsubscribe)
	notifications.POST("/test", s.notificationHandler.TestSend, principal, middleware.RequireStaff())

	// Identity travels as query parameters on the websocket handshake.
	s.echo.GET("/ws", s.gateway.HandleWS)
}
