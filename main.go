package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"unibox_worker/config"
	"unibox_worker/internal/bootstrap"
	"unibox_worker/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "unibox-worker",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	switch *mode {
	case "api":
		app, cleanup, err := bootstrap.NewAPI(cfg)
		if err != nil {
			logger.Fatal("Failed to initialize API: %v", err)
		}
		defer cleanup()
		runAPI(cfg, app)

	case "worker":
		worker, cleanup, err := bootstrap.NewWorker(cfg)
		if err != nil {
			logger.Fatal("Failed to initialize worker: %v", err)
		}
		defer cleanup()
		runWorker(worker)

	case "all":
		// One dependency graph shared by both surfaces, so manual
		// triggers from the API land in the same in-process pool.
		deps, cleanup, err := bootstrap.NewDependencies(cfg)
		if err != nil {
			logger.Fatal("Failed to initialize dependencies: %v", err)
		}
		defer cleanup()

		worker, _, err := bootstrap.NewWorkerWithDeps(cfg, deps, func() {})
		if err != nil {
			logger.Fatal("Failed to initialize worker: %v", err)
		}
		app, err := bootstrap.NewAPIWithDeps(cfg, deps)
		if err != nil {
			logger.Fatal("Failed to initialize API: %v", err)
		}

		go runWorker(worker)
		runAPI(cfg, app)

	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runAPI(cfg *config.Config, app *fiber.App) {
	// Graceful shutdown with timeout
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("Error shutting down: %v", err)
			} else {
				logger.Info("API server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("API shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func runWorker(worker *bootstrap.Worker) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			worker.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	logger.Info("Starting worker...")
	worker.Start()
}
