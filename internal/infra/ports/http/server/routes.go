package server

import (
	"github.com/labstack/echo/v4"

	"github.com/peerline/peerline/internal/application/config"
	"github.com/peerline/peerline/internal/infra/ports/http/handlers"
	"github.com/peerline/peerline/internal/infra/ports/http/middleware"
)

func New(
	cfg *config.Config,
	relayHandler *handlers.RelayHandler,
	iceHandler *handlers.ICEHandler,
) *echo.Echo {
	e := echo.New()

	e.Use(middleware.SlogLogger())
	e.Use(middleware.PrometheusMiddleware())

	api := e.Group("/api")
	{
		v1 := api.Group("/v1")
		v1.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret))
		{
			v1.GET("/ice", iceHandler.Servers)

			v1.GET("/ws", relayHandler.Serve)
		}
	}

	return e
}
