package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/database"
	"github.com/stemsi/exstem-candidate/internal/handler"
	"github.com/stemsi/exstem-candidate/internal/logger"
	"github.com/stemsi/exstem-candidate/internal/middleware"
	"github.com/stemsi/exstem-candidate/internal/repository"
	"github.com/stemsi/exstem-candidate/internal/router"
	"github.com/stemsi/exstem-candidate/internal/service"
	"github.com/stemsi/exstem-candidate/internal/validator"
	"github.com/stemsi/exstem-candidate/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem rehearsal server")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(rdb)
	submissionRepo := repository.NewSubmissionRepository(rdb)
	activityRepo := repository.NewMonitorRepository(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	relayService := service.NewRelayService(rdb, log)
	examService := service.NewExamService(examRepo, submissionRepo, relayService, log)
	submissionService := service.NewSubmissionService(examRepo, submissionRepo, log)
	monitorService := service.NewMonitorService(activityRepo, examRepo, submissionRepo, log)

	// ─── Load Fixtures ────────────────────────────────────────────────
	// Exams are in the store BEFORE traffic is accepted so the first fetch never races the load.
	if cfg.FixturePath != "" {
		if _, err := examService.LoadFixtures(ctx, cfg.FixturePath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.FixturePath).Msg("Failed to load fixtures")
		}
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.NewActivityWorker(rdb, activityRepo, log).Start(workerCtx)
	}()

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Exam:       handler.NewExamHandler(examService, submissionService),
		Submission: handler.NewSubmissionHandler(submissionService, log),
		Monitor:    handler.NewMonitorHandler(monitorService, log),
		WS:         handler.NewWSHandler(examService, relayService, monitorService, log, cfg.AllowedOrigins),
	}

	// A candidate submits once; a handful of retries per minute is plenty.
	submitLimiter := middleware.NewRateLimiter(ctx, 10, time.Minute)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, submitLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// Hijacked relay connections are not tracked by Shutdown; they end when Redis closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// The worker flushes its buffered batch before returning.
	stopWorkers()
	<-workerDone

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
