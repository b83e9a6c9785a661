package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/handler"
	"github.com/stemsi/exstem-candidate/internal/middleware"
	"github.com/stemsi/exstem-candidate/internal/response"
	"github.com/stemsi/exstem-candidate/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Exam       *handler.ExamHandler
	Submission *handler.SubmissionHandler
	Monitor    *handler.MonitorHandler
	WS         *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares. submitLimiter
// may be nil to leave submissions unthrottled.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	submitLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// Restrict to AllowedOrigins when set; otherwise allow all so dev works without config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli(middleware.DefaultBrotliConfig))

	// Health check. Candidates may also use it to sample the server clock.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Candidate Group ────────────────────────────────────────────
	candidate := router.Group("/api/v1")
	candidate.Use(middleware.RequireCandidateJWT(authService), middleware.NoStore())
	{
		candidate.GET("/exams/:exam_id", handlers.Exam.GetExam)

		submit := []gin.HandlerFunc{handlers.Submission.Submit}
		if submitLimiter != nil {
			submit = append([]gin.HandlerFunc{submitLimiter.Middleware()}, submit...)
		}
		candidate.POST("/submissions", submit...)
	}

	// ─── 2. Observer Group ─────────────────────────────────────────────
	observer := router.Group("/api/v1/observer")
	observer.Use(middleware.RequireObserverJWT(authService), middleware.NoStore())
	{
		observer.GET("/exams", handlers.Exam.ListExams)
		observer.DELETE("/exams/:exam_id", handlers.Exam.DeleteExam)
		observer.POST("/exams/:exam_id/start", handlers.Exam.StartExam)
		observer.POST("/exams/:exam_id/close", handlers.Exam.CloseExam)
		observer.POST("/exams/:exam_id/sync", handlers.Exam.SyncExam)
		observer.GET("/exams/:exam_id/submissions", handlers.Exam.ListSubmissions)
		observer.GET("/exams/:exam_id/monitor", handlers.Monitor.GetMonitor)
		observer.GET("/exams/:exam_id/monitor/stream", handlers.Monitor.StreamMonitor)
	}

	// ─── 3. Realtime Relay ─────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireAnyJWT(authService))
	{
		ws.GET("/exams/:exam_id", handlers.WS.ExamRelay)
	}

	return router
}
