// Package app assembles the pipeline: job store, broker, coordinator, workers and the status API
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meetmemo/pipeline/config"
	"github.com/meetmemo/pipeline/internal/api/v1/middleware"
	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/asr"
	"github.com/meetmemo/pipeline/internal/broker"
	"github.com/meetmemo/pipeline/internal/db"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/db/repos"
	"github.com/meetmemo/pipeline/internal/diagnostics"
	"github.com/meetmemo/pipeline/internal/events"
	"github.com/meetmemo/pipeline/internal/executors"
	"github.com/meetmemo/pipeline/internal/llm"
	"github.com/meetmemo/pipeline/internal/logger"
	"github.com/meetmemo/pipeline/internal/pipeline"
	"github.com/meetmemo/pipeline/internal/services"
	"github.com/meetmemo/pipeline/internal/watcher"
	"github.com/meetmemo/pipeline/pkg/api/v1/handlers"
	"github.com/meetmemo/pipeline/pkg/api/v1/routes"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server
const shutdownTimeout = 10 * time.Second

// multipartOverhead is added to the upload limit for the form fields around the file
const multipartOverhead = 1 << 20

// LLM is the LLM collaborator: it completes prompts and can be probed
type LLM interface {
	llm.Completer
	services.LLMProbe
}

// Collaborators are the external systems the stage executors call
type Collaborators struct {
	ASR   asr.Engine
	LLM   LLM
	Tools *diagnostics.Checker
}

// App is a fully wired pipeline process
type App struct {
	cfg config.Config

	DB          *gorm.DB
	Broker      broker.Broker
	JobRepo     *repos.JobRepository
	Artifacts   *artifacts.LocalStore
	Jobs        *services.Job
	Health      *services.Health
	Coordinator *pipeline.Coordinator
	Events      *events.Bus
	Fiber       *fiber.App
}

// NewFromConfig opens the job store and broker named by cfg and wires the real collaborators
func NewFromConfig(cfg config.Config) (*App, error) {
	gdb, err := db.New(db.Options{Endpoint: cfg.StoreEndpoint, LogLevel: gormlogger.Warn})
	if err != nil {
		return nil, err
	}

	b, err := broker.New(cfg.BrokerEndpoint, gdb, broker.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	llmClient, err := llm.NewClient(llm.Options{
		Endpoint:    cfg.LLMEndpoint,
		Credential:  cfg.LLMCredential,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		TopP:        cfg.LLMTopP,
		Timeout:     cfg.Stage(models.StageSummarization).Timeout,
	})
	if err != nil {
		_ = b.Close()
		_ = db.Close(gdb)
		return nil, err
	}

	collab := Collaborators{
		ASR: asr.NewWhisper(asr.WhisperConfig{
			Binary:       cfg.WhisperBinary,
			FFmpeg:       cfg.FFmpegBinary,
			ModelsDir:    cfg.WhisperModelsDir,
			DefaultModel: cfg.WhisperDefaultModel,
		}),
		LLM:   llmClient,
		Tools: diagnostics.NewChecker(),
	}
	a, err := New(cfg, gdb, b, collab)
	if err != nil {
		_ = b.Close()
		_ = db.Close(gdb)
		return nil, err
	}
	return a, nil
}

// New wires an App on an open job store and broker
func New(cfg config.Config, gdb *gorm.DB, b broker.Broker, collab Collaborators) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := artifacts.NewLocalStore(cfg.ResultsDir)
	if err != nil {
		return nil, err
	}

	jobRepo := repos.NewJobRepository(gdb)
	jobs := services.NewJobService(jobRepo, b, services.JobOptions{
		UploadDir:      cfg.UploadDir,
		MaxFileSize:    cfg.MaxFileSize,
		AllowedFormats: cfg.AllowedFormats,
	})

	tools := []string{cfg.FFmpegBinary, cfg.WhisperBinary}
	health := services.NewHealthService(gdb, b, collab.Tools, diagnostics.Settings{
		Tools:      tools,
		ModelsDir:  cfg.WhisperModelsDir,
		UploadDir:  cfg.UploadDir,
		ResultsDir: cfg.ResultsDir,
	}, collab.LLM)

	bus := events.NewBus()
	for _, t := range []events.EventType{events.EventJobSucceeded, events.EventJobFailed, events.EventJobCancelled} {
		bus.Subscribe(t, events.LogOutcome)
	}

	stages := make(map[models.Stage]pipeline.StageSettings, models.NumStages)
	for _, stage := range models.Stages() {
		s := cfg.Stage(stage)
		stages[stage] = pipeline.StageSettings{RetryCeiling: s.RetryCeiling, Timeout: s.Timeout}
	}
	coordinator, err := pipeline.NewCoordinator(jobRepo, b, []pipeline.Executor{
		executors.NewTranscription(collab.ASR, collab.Tools, tools...),
		executors.NewSummarization(collab.LLM),
		executors.NewPersistence(store),
	}, pipeline.Options{
		Stages:       stages,
		LeaseTTL:     cfg.LeaseTTL,
		RetryBackoff: cfg.RetryBackoff,
		ChainStages:  cfg.ChainStages,
		Events:       bus,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		DB:          gdb,
		Broker:      b,
		JobRepo:     jobRepo,
		Artifacts:   store,
		Jobs:        jobs,
		Health:      health,
		Coordinator: coordinator,
		Events:      bus,
		Fiber:       NewFiberApp(jobs, health, store, cfg.MaxFileSize),
	}, nil
}

// NewFiberApp builds the status API
func NewFiberApp(jobs *services.Job, health *services.Health, store handlers.ArtifactReader, maxUpload int64) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          handlers.ErrorHandler,
		BodyLimit:             int(maxUpload) + multipartOverhead,
	})
	app.Use(middleware.Logger())

	routes.RegisterRoutes(app,
		handlers.NewHealthHandler(health),
		handlers.NewJobHandler(jobs, store),
	)
	return app
}

// StartWorkers launches the event loop and the worker pool; both stop when ctx is cancelled
func (a *App) StartWorkers(ctx context.Context, wg *sync.WaitGroup) {
	a.Events.Start(ctx, wg)
	lanes := services.WorkerLanes(a.cfg.ChainStages)
	services.LaunchWorkers(ctx, wg, a.Broker, a.Coordinator, lanes, a.cfg.WorkersPerLane)
	logger.InfoWithFields("workers started", logger.Fields{
		"lanes":    lanes,
		"per_lane": a.cfg.WorkersPerLane,
		"chain":    a.cfg.ChainStages,
	})
}

// startWatcher submits recordings dropped into the inbox directory
func (a *App) startWatcher(ctx context.Context, wg *sync.WaitGroup) error {
	w, err := watcher.New(a.cfg.InboxDir, a.cfg.AllowedFormats, func(ctx context.Context, path string) error {
		_, err := a.Jobs.SubmitFile(ctx, path)
		return err
	})
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = w.Stop() }()
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("inbox watcher stopped: %v", err)
		}
	}()
	return nil
}

// Run serves the API and processes jobs until ctx is cancelled or the server fails
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	a.StartWorkers(ctx, &wg)
	if a.cfg.InboxDir != "" {
		if err := a.startWatcher(ctx, &wg); err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("status API listening on %s", a.cfg.ListenAddress)
		errCh <- a.Fiber.Listen(a.cfg.ListenAddress)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := a.Fiber.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Errorf("failed to shut down API: %v", err)
		}
	case serveErr = <-errCh:
	}

	cancel()
	wg.Wait()
	return serveErr
}

// Close releases the broker and the job store
func (a *App) Close() error {
	return errors.Join(a.Broker.Close(), db.Close(a.DB))
}
