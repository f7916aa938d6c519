package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/database"
	"github.com/mailroom/mailroom/internal/repository"
	"github.com/mailroom/mailroom/internal/service"
	"github.com/mailroom/mailroom/pkg/logger"
	"github.com/mailroom/mailroom/pkg/mailer"
)

// App wires configuration, database, repositories, services and background
// loops into one process.
type App struct {
	cfg    *config.Config
	logger logger.Logger

	db          *sql.DB
	machineName string
	workerID    string

	dispatchLoop  *service.DispatchLoop
	schedulerLoop *service.SchedulerLoop
	cleanupLoop   *service.CleanupLoop
	healthLoop    *service.HealthLoop
}

// AppOption configures an App during construction.
type AppOption func(*App)

// WithLogger overrides the default logger.
func WithLogger(l logger.Logger) AppOption {
	return func(a *App) {
		a.logger = l
	}
}

// NewApp creates a new App
func NewApp(cfg *config.Config, opts ...AppOption) *App {
	a := &App{
		cfg:    cfg,
		logger: logger.NewLoggerWithLevel(cfg.LogLevel),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize connects to the database, runs schema setup and builds all
// components. Errors here are fatal; the process has nothing to do without a
// database.
func (a *App) Initialize() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	a.machineName = hostname
	a.workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())

	db, err := sql.Open("postgres", a.cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.Processing.MaxConcurrentWorkers * 2)
	db.SetMaxIdleConns(a.cfg.Processing.MaxConcurrentWorkers)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db

	if err := database.InitializeDatabase(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	queueRepo := repository.NewEmailQueueRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	historyRepo := repository.NewEmailHistoryRepository(db)
	logRepo := repository.NewProcessingLogRepository(db)
	scheduledRepo := repository.NewScheduledEmailRepository(db, queueRepo)
	statusRepo := repository.NewServiceStatusRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)

	transport := mailer.NewSMTPTransport(a.cfg.SMTP)
	queueService := service.NewQueueService(queueRepo, historyRepo, a.cfg.Processing, a.logger)

	processor := service.NewProcessor(
		templateRepo, logRepo, queueService,
		service.NewTemplateEngine(), service.NewCIDProcessor(), transport,
		a.cfg.Processing, a.cfg.SMTP, a.machineName, a.logger,
	)

	a.dispatchLoop = service.NewDispatchLoop(queueService, processor, a.cfg.Processing, a.workerID, a.logger)
	a.schedulerLoop = service.NewSchedulerLoop(scheduledRepo, a.cfg.Worker.ScheduledCheckInterval, a.logger)
	a.cleanupLoop = service.NewCleanupLoop(queueRepo, historyRepo, logRepo, statusRepo, attachmentRepo, a.cfg.Cleanup, a.logger)
	a.healthLoop = service.NewHealthLoop(db, transport, queueService, historyRepo, statusRepo,
		a.cfg.Worker, a.cfg.SMTP, a.machineName, a.logger)

	a.logger.WithFields(map[string]interface{}{
		"version":     a.cfg.Version,
		"environment": a.cfg.Environment,
		"worker_id":   a.workerID,
	}).Info("Worker initialized")

	return nil
}

// Start launches all background loops.
func (a *App) Start() {
	a.dispatchLoop.Start()
	a.schedulerLoop.Start()
	a.healthLoop.Start()
	a.cleanupLoop.Start()
}

// Shutdown stops the loops, waiting for in-flight work, then closes the
// database. The context bounds the whole wait.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatchLoop.Stop()
		a.schedulerLoop.Stop()
		a.healthLoop.Stop()
		a.cleanupLoop.Stop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Shutdown timed out with work still in flight")
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	a.logger.Info("Worker shut down")
	return nil
}

// WorkerID returns the claim owner id used by the dispatch loop.
func (a *App) WorkerID() string {
	return a.workerID
}
