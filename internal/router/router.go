package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/config"
	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/handler"
	"github.com/stemsi/exstem-taker/internal/middleware"
	"github.com/stemsi/exstem-taker/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter may be nil to disable intent throttling.
func SetupRouter(handlers *Handlers, limiter *middleware.RateLimiter, cfg *config.Config, log zerolog.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.AccessLog(log))

	// Health check.
	router.GET("/health", handlers.System.Health)

	// ─── 1. Session (UI adapter) ───────────────────────────────────────
	session := router.Group("/api/v1/session")
	session.Use(middleware.NoStore(), middleware.Brotli())
	{
		session.GET("", handlers.Session.GetSnapshot)

		intents := session.Group("")
		if limiter != nil {
			intents.Use(limiter.Middleware())
		}
		intents.POST("/start", handlers.Session.Start)
		intents.POST("/rejoin", handlers.Session.Rejoin)
		intents.POST("/restore", handlers.Session.Restore)
		intents.POST("/retry", handlers.Session.Intent(engine.RetryIntent{}))
		intents.POST("/network", handlers.Session.Network)

		intents.POST("/navigate", handlers.Session.Navigate)
		intents.PUT("/answer", handlers.Session.UpdateAnswer)
		intents.DELETE("/answer", handlers.Session.Intent(engine.ClearAnswerIntent{}))
		intents.POST("/answer/submit", handlers.Session.Intent(engine.SubmitAnswerIntent{}))
		intents.POST("/skip", handlers.Session.Intent(engine.SkipIntent{}))

		intents.POST("/review/start", handlers.Session.Intent(engine.StartReviewIntent{}))
		intents.POST("/review/continue", handlers.Session.Intent(engine.ContinueAnsweringIntent{}))

		intents.POST("/submit", handlers.Session.Intent(engine.SubmitIntent{}))
		intents.POST("/sections/submit", handlers.Session.Intent(engine.SubmitSectionIntent{}))
		intents.POST("/test/submit", handlers.Session.Intent(engine.SubmitTestIntent{}))
		intents.POST("/abandon", handlers.Session.Intent(engine.AbandonIntent{}))
	}

	// ─── 2. Monitor feed (SSE) ─────────────────────────────────────────
	router.GET("/api/v1/monitor/tests/:test_id", handlers.Monitor.MonitorTestSSE)

	// ─── 3. WebSocket ──────────────────────────────────────────────────
	router.GET("/ws/v1/session/stream", handlers.WS.StreamSnapshots)

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	return router
}
