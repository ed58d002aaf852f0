package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jasl/tavern-kit-sub013/internal/adapter/broadcast"
	"github.com/jasl/tavern-kit-sub013/internal/adapter/llm"
	"github.com/jasl/tavern-kit-sub013/internal/config"
	"github.com/jasl/tavern-kit-sub013/internal/dispatch"
	"github.com/jasl/tavern-kit-sub013/internal/policy"
	store "github.com/jasl/tavern-kit-sub013/internal/repository"
	"github.com/jasl/tavern-kit-sub013/internal/service"
	v1 "github.com/jasl/tavern-kit-sub013/internal/transport/http/v1"
)

func main() {
	// Load configuration
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Int("http_port", cfg.HTTPPort).
		Str("database", cfg.DatabaseURL).
		Str("llm_base_url", cfg.LLMBaseURL).
		Msg("starting turn scheduler")

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	// Initialize adapters
	broadcastClient := broadcast.NewClient(cfg.BroadcastURL)
	llmClient := llm.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)

	// Initialize service
	emitter := service.NewEmitter(db,
		service.NewLogSubscriber(log.Logger),
		service.NewBroadcastSubscriber(broadcastClient),
	)
	svc := service.New(db, emitter, policyEngine,
		service.NewHistoryContextBuilder(db),
		service.NewLLMGenerator(llmClient, cfg.LLMModel),
		dispatch.NewTimerDispatcher(),
		broadcastClient,
		service.NoRetryPolicy{},
		cfg,
	)

	// Start the polling workers; the claim compare-and-set makes concurrent
	// workers safe.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	for i := 0; i < cfg.WorkerCount; i++ {
		go svc.RunWorker(workerCtx)
	}

	// Create Echo server
	server := echo.New()
	server.HideBanner = true

	// Middleware
	server.Use(middleware.Logger())
	server.Use(middleware.Recover())
	server.Use(middleware.CORS())

	// Register routes
	h := v1.NewHandler(svc)
	h.RegisterRoutes(server)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	log.Info().Int("port", cfg.HTTPPort).Int("workers", cfg.WorkerCount).Msg("turn scheduler started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down turn scheduler")
	stopWorkers()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown server gracefully")
	}

	log.Info().Msg("turn scheduler stopped")
}
