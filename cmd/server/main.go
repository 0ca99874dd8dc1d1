package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/app"
	"github.com/studybuddy/backend/internal/config"
	"github.com/studybuddy/backend/internal/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLog := logger.New("production", "info")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Queue.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	// Start background job processor
	jobProcessor := a.NewJobProcessor()
	jobProcessor.Start(ctx)

	sweep := a.NewPendingSweep()
	if err := sweep.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule pending reward sweep")
	}

	router, limiter := a.Router()
	go limiter.RunCleanup(ctx, cfg.Security.LimiterCleanup)

	srv := startServer(router, cfg.Server, log)

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	sweep.Stop()
	jobProcessor.Stop()
	cancel()

	log.Info().Msg("server exiting")
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, cfg config.ServerConfig, log zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("server started")
	return srv
}
