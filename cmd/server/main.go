package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"golang.org/x/sync/errgroup"

	"github.com/melodyforge/backend/internal/catalog"
	"github.com/melodyforge/backend/internal/config"
	"github.com/melodyforge/backend/internal/delivery"
	"github.com/melodyforge/backend/internal/execution"
	"github.com/melodyforge/backend/internal/genapi"
	"github.com/melodyforge/backend/internal/jobs"
	"github.com/melodyforge/backend/internal/ledger"
	"github.com/melodyforge/backend/internal/repository"
	"github.com/melodyforge/backend/internal/services"
	"github.com/melodyforge/backend/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.StaleTaskAfter <= execution.AudioTimeout {
		return fmt.Errorf("STALE_TASK_AFTER must exceed the audio job timeout (%s)", execution.AudioTimeout)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("schema migrate: %w", err)
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("River migrate up: %w", err)
	}
	logger.Info("Migrations applied")

	accounts := repository.NewAccountRepo(pool)
	entries := repository.NewEntryRepo(pool)
	tasks := repository.NewTaskRepo(pool)
	tracks := repository.NewTrackRepo(pool)
	ledgerSvc := ledger.NewService(pool, accounts, entries, cfg.FreeQuotaPerDay, logger)

	files, err := storage.New(cfg.StorageDir, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	files.MaxBytes = cfg.StorageMaxDownload
	presets, err := catalog.Load(cfg.PresetsPath)
	if err != nil {
		return fmt.Errorf("preset catalog: %w", err)
	}
	gen := genapi.New(genAPIConfig(cfg), logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram bot api: %w", err)
	}
	logger.Info("Authorized on Telegram", "bot", botAPI.Self.UserName)
	notifier := delivery.NewNotifier(botAPI, files, logger)

	// Insert functions are bound once the River client exists.
	dispatcher := jobs.NewDispatcher()
	pipeline := services.NewPipeline(pool, ledgerSvc, tasks, tracks, gen, notifier, files, dispatcher, presets,
		services.PipelineConfig{
			TextPrice:       cfg.TextPrice,
			TrackTTL:        cfg.TrackTTL,
			InlineTextLimit: cfg.InlineTextLimit,
			StaleAfter:      cfg.StaleTaskAfter,
		}, logger)

	workers := river.NewWorkers()
	execution.Register(workers, pipeline, files, cfg.StorageRetention, logger)

	riverCfg := &river.Config{Logger: logger, Workers: workers}
	if cfg.RunsWorkers() {
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.WorkerConcurrency},
		}
		riverCfg.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Hour),
				func() (river.JobArgs, *river.InsertOpts) { return jobs.SweepStorageArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.RecoverInterval),
				func() (river.JobArgs, *river.InsertOpts) { return jobs.RecoverTasksArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		}
	}
	riverClient, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return fmt.Errorf("create River client: %w", err)
	}
	dispatcher.BindClient(riverClient)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunsWorkers() {
		g.Go(func() error { return runWorkers(gctx, riverClient, logger) })
	}

	var app *appHandlers
	if cfg.RunsBot() {
		app, err = newAppHandlers(cfg, pipeline, ledgerSvc, accounts, tasks, notifier, presets, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			updates := botAPI.GetUpdatesChan(u)
			go func() {
				<-gctx.Done()
				botAPI.StopReceivingUpdates()
			}()
			logger.Info("Polling Telegram updates")
			return app.bot.Run(gctx, updates)
		})
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           newHTTPHandler(cfg, pool, app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", srv.Addr, "role", cfg.Role)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runWorkers starts job processing and stops it gracefully when ctx ends.
func runWorkers(ctx context.Context, client *river.Client[pgx.Tx], logger *slog.Logger) error {
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start River client: %w", err)
	}
	logger.Info("River workers started")
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error("River client stop", "error", err)
	}
	return ctx.Err()
}

func genAPIConfig(cfg *config.Config) genapi.Config {
	g := genapi.DefaultConfig()
	if cfg.GenAPIBaseURL != "" {
		g.BaseURL = cfg.GenAPIBaseURL
	}
	if cfg.GenAPITextPath != "" {
		g.TextPath = cfg.GenAPITextPath
	}
	if cfg.GenAPIAudioPath != "" {
		g.AudioPath = cfg.GenAPIAudioPath
	}
	g.APIKey = cfg.GenAPIKey
	g.Retries = cfg.GenAPIRetries
	g.RequestTimeout = cfg.GenAPIConnectTimeout
	g.TextPollTimeout = cfg.GenAPITextPollTimeout
	g.AudioPollTimeout = cfg.GenAPIAudioPollTimeout
	return g
}
