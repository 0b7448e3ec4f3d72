package api

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depot/internal/server/category"
	"depot/internal/server/config"
	"depot/internal/server/service"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, tokens *service.TokenService, table category.Table, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Upload-Token", "X-Admin-Key"},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))
	e.Use(RequestLogger())

	// Cap request bodies at the largest category limit plus multipart
	// overhead; per-token limits are enforced further in.
	limitMiB := table.MaxBodyBytes()/(1<<20) + 1
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", limitMiB)))

	// Rate limiter on upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & metrics & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/stats", handler.HandleStats)

	// Admin: token minting and expiry sweep
	admin := AdminAuth(cfg.AdminKeyHash)
	e.POST("/api/tokens", handler.HandleGenerateToken, admin)
	e.POST("/api/admin/tokens/sweep", handler.HandleSweepTokens, admin)

	// Upload (rate-limited, token-gated)
	e.POST("/api/upload", handler.HandleUpload, uploadLimiter.Middleware(), TokenAuth(tokens))

	// Download & metadata
	e.GET("/f/:identifier", handler.HandleDownload)
	e.GET("/api/files/:identifier", handler.HandleFileInfo)

	return e
}
