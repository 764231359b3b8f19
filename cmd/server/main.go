package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/validata-io/validata/internal/config"
	"github.com/validata-io/validata/internal/db"
	"github.com/validata-io/validata/internal/logging"
	"github.com/validata-io/validata/internal/pipeline"
	"github.com/validata-io/validata/internal/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	fileRepo := repository.NewSourceFileRepository(conn.Pool)
	errorRepo := repository.NewValidationErrorRepository(conn.Pool)
	resultRepo := repository.NewLoadResultRepository(conn.Pool)
	unitOfWork := repository.NewUnitOfWork(conn)

	service, err := pipeline.NewService(fileRepo, errorRepo, unitOfWork, conn.Pool, cfg.Pipeline, cfg.Tables)
	if err != nil {
		slog.Error("invalid pipeline configuration", "error", err)
		os.Exit(1)
	}

	runner := pipeline.NewRunner(service, cfg.Pipeline.MaxConcurrentRuns, cfg.Pipeline.QueueDepth)
	runner.Start(ctx)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	handler := pipeline.NewHTTPHandler(service, runner, fileRepo, errorRepo, resultRepo)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop dispatching new runs, then give in-flight batches a chance to
	// settle before cancelling their context.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runner shutdown timed out, cancelling in-flight runs", "error", err)
		cancel()
	}

	slog.Info("server exited")
}
