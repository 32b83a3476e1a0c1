package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/auth"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/draft"
	"github.com/stemsi/exstem-proctor/internal/evidence"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/remote"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "kiosk")
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor kiosk")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Snapshot Evidence (optional) ──────────────────────────────────
	var evidenceSink proctor.EvidenceSink
	if cfg.S3Endpoint != "" {
		store, err := evidence.NewS3Store(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create evidence store")
		}
		if err := store.EnsureBucket(ctx); err != nil {
			log.Warn().Err(err).Msg("Evidence bucket unavailable, snapshots disabled")
		} else {
			evidenceSink = store
		}
	}

	// ─── Initialize Remote Sync ────────────────────────────────────────
	apiClient := remote.NewAPIClient(cfg.QuizAPIURL, cfg.ProctorAPIURL, cfg.RemoteTimeout, log)
	outbox := remote.NewOutbox(rdb)
	drafts := draft.NewRedisStore(rdb, cfg.DraftTTL, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	verifier := auth.NewVerifier(cfg.JWTSecret)
	handlers := &router.KioskHandlers{
		ExamStream: handler.NewExamStreamHandler(
			apiClient, outbox, drafts, evidenceSink, policyFromConfig(cfg), log, cfg.AllowedOrigins,
		),
		Attempt: handler.NewAttemptHandler(apiClient, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	outboxWorker := worker.NewOutboxWorker(outbox, apiClient, log)
	go func() {
		defer close(workerDone)
		outboxWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupKioskRouter(verifier, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
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

	// 1. Stop accepting new connections (5s timeout). Exam streams are
	// hijacked and end with the process; their drafts stay in Redis.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the outbox worker. Undelivered items stay queued for the next start.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Outbox worker did not stop in time")
	}

	log.Info().Msg("Shutdown complete")
}

func policyFromConfig(cfg *config.Config) proctor.Policy {
	p := proctor.DefaultPolicy()
	p.MaxWarnings = cfg.MaxWarnings
	p.MaxFaceMissing = cfg.MaxFaceMissing
	p.RequireWebcam = cfg.RequireWebcam
	p.LuminanceThreshold = cfg.LuminanceThreshold
	p.AutosaveInterval = cfg.AutosaveInterval
	p.FrameSampleInterval = cfg.FrameSampleInterval
	p.PushTimeout = cfg.RemoteTimeout
	p.SubmitTimeout = cfg.SubmitTimeout
	return p
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
