package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/auth"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// KioskHandlers groups the kiosk's handler instances for route setup.
type KioskHandlers struct {
	ExamStream *handler.ExamStreamHandler
	Attempt    *handler.AttemptHandler
}

// ProctorLogHandlers groups the proctoring log service's handler instances.
type ProctorLogHandlers struct {
	Proctoring *handler.ProctoringHandler
}

// SetupKioskRouter configures the exam-integrity engine's routes.
func SetupKioskRouter(verifier *auth.Verifier, handlers *KioskHandlers, cfg *config.Config) *gin.Engine {
	router := newEngine(cfg)

	// ─── 1. WebSocket Group (WS Auth) ──────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireWSAuth(verifier))
	{
		ws.GET("/quizzes/:quiz_id/session", handlers.ExamStream.ExamSession)
	}

	// ─── 2. Attempt review (Brotli + JWT) ──────────────────────────────
	attempts := router.Group("/api/v1/attempts")
	attempts.Use(middleware.Brotli(), middleware.RequireJWT(verifier))
	{
		attempts.GET("/:attempt_id/results", handlers.Attempt.GetResults)
		attempts.GET("/:attempt_id/events", handlers.Attempt.GetEvents)
	}

	return router
}

// SetupProctorLogRouter configures the proctoring log service's routes.
// limiter may be nil to disable ingest rate limiting.
func SetupProctorLogRouter(
	verifier *auth.Verifier,
	limiter *middleware.RateLimiter,
	handlers *ProctorLogHandlers,
	cfg *config.Config,
) *gin.Engine {
	router := newEngine(cfg)

	proctoring := router.Group("/api/v1/proctoring")
	proctoring.Use(middleware.Brotli(), middleware.RequireJWT(verifier))
	{
		ingest := []gin.HandlerFunc{handlers.Proctoring.LogEvent}
		if limiter != nil {
			ingest = append([]gin.HandlerFunc{limiter.Middleware()}, ingest...)
		}
		proctoring.POST("/:attempt_id/event", ingest...)
		proctoring.GET("/:attempt_id/events", handlers.Proctoring.ListEvents)
	}

	return router
}

func newEngine(cfg *config.Config) *gin.Engine {
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
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}
