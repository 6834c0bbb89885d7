package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/stagemerge/internal/config"
	"github.com/JonMunkholm/stagemerge/internal/logging"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/rules"
	"github.com/JonMunkholm/stagemerge/internal/store/driver"
	"github.com/JonMunkholm/stagemerge/internal/web"
)

func main() {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	std, engine, err := rules.LoadAndBuild(cfg.Pipeline.RulesFile)
	if err != nil {
		slog.Error("failed to load merge rules", "file", cfg.Pipeline.RulesFile, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := driver.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store ready", "driver", cfg.Database.Driver)

	limiter := pipeline.NewBatchLimiter(cfg.Pipeline.MaxConcurrentBatches, cfg.Pipeline.MaxWaitTime)
	service := pipeline.New(st, std, engine, limiter, pipeline.Options{
		Workers:         cfg.Pipeline.Workers,
		ConflictRetries: cfg.Pipeline.ConflictRetries,
		MaxRows:         cfg.Pipeline.MaxRows,
		BatchTimeout:    cfg.Pipeline.BatchTimeout,
		Logger:          slog.Default(),
	})

	server := web.NewServer(service, cfg)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	if cfg.Pipeline.SweepInterval > 0 {
		go service.StartSweeper(jobCtx, cfg.Pipeline.SweepInterval)
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		// Background runs stop at their next entry; their batches stay
		// PROCESSING and resume on the next start.
		if err := service.Close(shutdownCtx); err != nil {
			slog.Warn("background batches did not stop in time", "error", err)
		}
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for batches to finish", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("batches did not finish in time", "error", err)
			}
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
