package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paperflow/internal/aws"
	"paperflow/internal/cache"
	"paperflow/internal/config"
	"paperflow/internal/database"
	"paperflow/internal/executor"
	"paperflow/internal/orchestrator"
	"paperflow/internal/rabbitmq"
	"paperflow/internal/server"
	"paperflow/internal/webhook"
	"paperflow/pkg/gemini"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Str("app", cfg.AppName).Msg("Starting paperflow")

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}

	var store cache.Cache
	if redisCache, err := cache.NewRedisCache(cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, progress snapshots disabled")
	} else {
		store = redisCache
		defer redisCache.Close()
	}

	var fileService aws.FileService
	if cfg.AWS.Enabled {
		fileService, err = aws.NewFileService(cfg.AWS.AccessKey, cfg.AWS.SecretKey, cfg.AWS.Bucket, cfg.AWS.Region)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize AWS file service")
		}
	}

	aiClient := gemini.New(
		cfg.Gemini.APIKey,
		cfg.Gemini.BaseURL,
		cfg.Gemini.Model,
		cfg.Gemini.RequestsPerMinute,
		cfg.Gemini.MaxRetries,
		time.Duration(cfg.Gemini.TimeoutSec)*time.Second,
	)
	defer aiClient.Close()

	tracker := orchestrator.NewProgressTracker(db, store)
	exec := executor.New(db, executor.NewOriginFetcher(fileService), aiClient)
	dispatcher := webhook.NewHTTPDispatcher(cfg.Webhook)

	// The orchestrator and scheduler reference each other: tasks flow down
	// through Enqueue, terminal outcomes flow back through HandleResult.
	orch := orchestrator.New(db, nil, dispatcher, tracker, cfg.Batch)
	sched := orchestrator.NewScheduler(cfg.Scheduler, exec, tracker, orch)
	orch.SetScheduler(sched)

	var rabbitClient rabbitmq.Client
	var intake *rabbitmq.Intake
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer rabbitClient.Close()

		intake, err = rabbitmq.NewIntake(rabbitClient, cfg.RabbitMQ)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up intake queue")
		}
		orch.SetIntake(intake)
	}

	httpServer := server.New(*cfg, db, store, rabbitClient, orch, tracker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if intake != nil {
		g.Go(func() error {
			err := intake.Consume(ctx, orch)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		runSweeper(ctx, tracker, orch, cfg.Scheduler)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutting down after error")
	}

	sched.Stop()
	log.Info().Msg("paperflow stopped")
}

// runSweeper periodically fails requests whose worker heartbeat has expired
func runSweeper(ctx context.Context, tracker *orchestrator.ProgressTracker, orch *orchestrator.Orchestrator, cfg config.SchedulerConfig) {
	ticker := time.NewTicker(cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := tracker.SweepStale(ctx, cfg.HeartbeatTimeout(), orch.HandleStale)
			if err != nil {
				log.Error().Err(err).Msg("Stale request sweep failed")
				continue
			}
			if swept > 0 {
				log.Warn().Int("swept", swept).Msg("Swept stale requests")
			}
		}
	}
}

func setupLogger(config config.LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Logger = log.With().Timestamp().Logger()
}
