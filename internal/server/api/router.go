package api

import (
	"docshield/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on session creation only
	sessionLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e.GET("/health", handler.HandleHealth)

	// Viewer-facing contract
	e.POST("/api/documents/:id/sessions", handler.HandleCreateSession, sessionLimiter.Middleware())
	e.GET("/api/documents/:id/validate", handler.HandleValidate)
	e.POST("/api/views", handler.HandleTrackView)

	// Owner-only administration
	owner := e.Group("/api", OwnerAuth(cfg.OwnerKeyHash))
	owner.POST("/documents", handler.HandleRegisterDocument)
	owner.POST("/documents/:id/drm", handler.HandleSetDRM)
	owner.PUT("/documents/:id/settings", handler.HandleUpdateSettings)
	owner.POST("/documents/:id/revoke-all", handler.HandleRevokeAll)
	owner.POST("/sessions/revoke", handler.HandleRevokeSession)
	owner.GET("/documents/:id/stats", handler.HandleStats)

	return e
}
