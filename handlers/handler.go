package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/middleware"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

func getPrincipal(c echo.Context) (models.Principal, bool) {
	return middleware.GetPrincipal(c)
}
