package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/services"
)

const principalContextKey = "principal"

// PrincipalMiddleware resolves the caller into a principal from the
// Authorization header and/or the anonymous token header. Operations
// on a request without any usable identity fail closed with 401.
func PrincipalMiddleware(identity *services.IdentityService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accessToken := bearerToken(c)
			anonymousToken := c.Request().Header.Get("X-Anonymous-Token")
			if anonymousToken == "" {
				anonymousToken = c.QueryParam("anonymousToken")
			}

			principal, err := identity.ResolvePrincipal(c.Request().Context(), accessToken, anonymousToken)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "unresolved identity",
				})
			}

			c.Set(principalContextKey, principal)
			return next(c)
		}
	}
}

// RequireStaff gates manager/admin endpoints. It assumes
// PrincipalMiddleware already ran.
func RequireStaff() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := GetPrincipal(c)
			if !ok || !p.IsStaff() {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "staff only",
				})
			}
			return next(c)
		}
	}
}

// GetPrincipal fetches the resolved principal from the request context.
func GetPrincipal(c echo.Context) (models.Principal, bool) {
	p, ok := c.Get(principalContextKey).(models.Principal)
	return p, ok
}

func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	token := c.QueryParam("token")
	return strings.TrimPrefix(token, "Bearer ")
}
