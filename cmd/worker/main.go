package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/app"
	"github.com/mailroom/mailroom/pkg/logger"
)

var osExit = os.Exit

var signalNotify = signal.Notify

const shutdownTimeout = 60 * time.Second

// runWorker contains the core worker lifecycle, extracted for testability.
func runWorker(cfg *config.Config, appLogger logger.Logger) error {
	instance := app.NewApp(cfg, app.WithLogger(appLogger))

	if err := instance.Initialize(); err != nil {
		appLogger.WithField("error", err.Error()).Error("Initialization failed")
		return err
	}

	instance.Start()
	appLogger.Info("Worker started")

	shutdown := make(chan os.Signal, 1)
	signalNotify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	appLogger.WithField("signal", sig.String()).Info("Shutdown signal received - starting graceful shutdown")
	appLogger.Info("Send signal again (Ctrl+C) to force immediate shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	forceShutdown := make(chan os.Signal, 1)
	signalNotify(forceShutdown, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- instance.Shutdown(ctx)
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			appLogger.WithField("error", err.Error()).Error("Error during graceful shutdown")
			return err
		}
		appLogger.Info("Worker shut down gracefully")
		return nil
	case forceSig := <-forceShutdown:
		appLogger.WithField("signal", forceSig.String()).Warn("Force shutdown signal received - terminating immediately")
		cancel()

		select {
		case <-shutdownDone:
		case <-time.After(2 * time.Second):
			appLogger.Warn("Forced shutdown timeout - exiting immediately")
		}
		return nil
	}
}

func main() {
	// An optional first argument names an alternate env file.
	opts := config.LoadOptions{EnvFile: ".env"}
	if len(os.Args) > 1 {
		opts.EnvFile = os.Args[1]
	}

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		osExit(1)
		return
	}

	appLogger := logger.NewLoggerWithLevel(cfg.LogLevel)

	if err := runWorker(cfg, appLogger); err != nil {
		osExit(1)
	}
}
