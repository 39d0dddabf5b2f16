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
	"github.com/stemsi/exstem-taker/internal/apiclient"
	"github.com/stemsi/exstem-taker/internal/config"
	"github.com/stemsi/exstem-taker/internal/database"
	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/handler"
	"github.com/stemsi/exstem-taker/internal/logger"
	"github.com/stemsi/exstem-taker/internal/middleware"
	"github.com/stemsi/exstem-taker/internal/router"
	"github.com/stemsi/exstem-taker/internal/validator"
	"github.com/stemsi/exstem-taker/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("api", cfg.APIBaseURL).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Taker")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis (optional monitor feed) ──────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	monitorWorker := worker.NewMonitorWorker(rdb, log)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		monitorWorker.Start(workerCtx)
	}()

	// ─── Exam Server Collaborators ─────────────────────────────────────
	client := apiclient.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.APITimeout, log)
	if claims := client.Claims(); claims != nil {
		log.Info().Str("user_id", client.UserID()).Str("token_type", string(claims.TokenType)).Msg("Token loaded")
	} else {
		log.Warn().Msg("API_TOKEN is missing or unreadable; server calls will be rejected")
	}

	channel := apiclient.NewChannel(apiclient.ChannelOptions{
		BaseURL:      cfg.WSBaseURL,
		Token:        cfg.APIToken,
		PingInterval: cfg.ChannelPingInterval,
		MaxBackoff:   cfg.ChannelMaxBackoff,
	}, nil, log)

	// ─── Session Engine ────────────────────────────────────────────────
	machine := engine.NewMachine(client, engine.MachineConfig{
		APITimeout: cfg.APITimeout,
		UserID:     client.UserID(),
		Publisher:  monitorWorker,
		Drafts:     channel,
	}, log)
	channel.SetTarget(machine)

	snaps, unsubscribe := machine.Subscribe()
	trackDone := make(chan struct{})
	go func() {
		defer close(trackDone)
		channel.Track(ctx, snaps)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		machine.Run(ctx, cfg.TickInterval)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	var limiter *middleware.RateLimiter
	if cfg.IntentRateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.IntentRateLimit, time.Second)
		go limiter.RunCleanup(ctx)
	}

	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(machine),
		WS:      handler.NewWSHandler(machine, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, log),
		System:  handler.NewSystemHandler(machine, rdb),
	}
	r := router.SetupRouter(handlers, limiter, cfg, log)

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

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Unmount the engine. The attempt stays open on the server so it can
	// be rejoined later.
	machine.Unmount(shutdownCtx, false)
	unsubscribe()
	<-runDone
	<-trackDone

	// 3. Stop background workers and wait for queues to drain.
	cancel()
	workerCancel()
	<-workerDone

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
