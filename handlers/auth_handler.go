package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
)

type AuthHandler struct {
	auth     *services.AuthService
	identity *services.IdentityService
	log      zerolog.Logger
}

func NewAuthHandler(auth *services.AuthService, identity *services.IdentityService, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		identity: identity,
		log:      log.With().Str("component", "auth_handler").Logger(),
	}
}

// Anonymous issues a fresh visitor identity. The frontend calls it once
// and keeps the token in local storage.
func (h *AuthHandler) Anonymous(c echo.Context) error {
	anon, token, err := h.auth.CreateAnonymousUser()
	if err != nil {
		h.log.Error().Err(err).Msg("anonymous user creation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not create anonymous user"})
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"anonymous_id": anon.ID,
		"token":        token,
	})
}

type sendOTPRequest struct {
	Phone string `json:"phone"`
}

func (h *AuthHandler) SendOTP(c echo.Context) error {
	var req sendOTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	code, err := h.auth.SendOTP(req.Phone)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.log.Error().Err(err).Msg("otp creation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not send code"})
	}

	// The SMS gateway integration hands the code off out of band; in
	// development the code is logged instead.
	h.log.Info().Str("phone", req.Phone).Str("code", code).Msg("otp issued")

	return c.JSON(http.StatusOK, map[string]string{"message": "code sent"})
}

type verifyOTPRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// VerifyOTP logs the customer in. When the request also carries an
// anonymous token, the visitor's chats, cart and favorites move to the
// customer account in the same call.
func (h *AuthHandler) VerifyOTP(c echo.Context) error {
	var req verifyOTPRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	user, err := h.auth.VerifyOTP(req.Phone, req.Code)
	if err != nil {
		if errors.Is(err, services.ErrInvalidOTP) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired code"})
		}
		h.log.Error().Err(err).Msg("otp verification failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "verification failed"})
	}

	if anonToken := c.Request().Header.Get("X-Anonymous-Token"); anonToken != "" {
		if err := h.identity.MergeAnonymousByToken(c.Request().Context(), anonToken, user.ID); err != nil {
			// Login still succeeds; the visitor data stays behind and a
			// later login attempt can pick it up.
			h.log.Warn().Err(err).Str("user_id", user.ID).Msg("anonymous merge failed")
		}
	}

	resp, err := h.auth.GenerateTokens(user)
	if err != nil {
		h.log.Error().Err(err).Msg("token generation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not issue tokens"})
	}
	return c.JSON(http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "refresh_token is required"})
	}

	claims, err := h.auth.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
	}

	var user models.User
	if err := h.auth.Db.First(&user, "id = ?", claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unknown user"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	}

	resp, err := h.auth.GenerateTokens(&user)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not issue tokens"})
	}
	return c.JSON(http.StatusOK, resp)
}

type staffLoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (h *AuthHandler) StaffLogin(c echo.Context) error {
	var req staffLoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	user, err := h.auth.LoginStaff(req.Phone, req.Password)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	resp, err := h.auth.GenerateTokens(user)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not issue tokens"})
	}
	return c.JSON(http.StatusOK, resp)
}

// Me returns the resolved principal of the current request.
func (h *AuthHandler) Me(c echo.Context) error {
	p, ok := getPrincipal(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unresolved identity"})
	}
	return c.JSON(http.StatusOK, p)
}
