package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/limiter"
)

// RateLimit throttles an endpoint per client IP with a fixed window.
// Redis failures let the request through.
func RateLimit(l *limiter.Limiter, name string, limit int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := name + ":" + c.RealIP()
			ok, err := l.Allow(c.Request().Context(), key, limit, window)
			if err == nil && !ok {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "too many requests",
				})
			}
			return next(c)
		}
	}
}
