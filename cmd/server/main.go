package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/adapters/mongo"
	"github.com/satriahrh/twinvoice/adapters/redis"
	"github.com/satriahrh/twinvoice/adapters/sqlite"
	"github.com/satriahrh/twinvoice/domain/repositories"
	"github.com/satriahrh/twinvoice/internal/api"
	"github.com/satriahrh/twinvoice/internal/bootstrap"
	"github.com/satriahrh/twinvoice/internal/broker"
	"github.com/satriahrh/twinvoice/internal/cache"
	"github.com/satriahrh/twinvoice/internal/config"
	"github.com/satriahrh/twinvoice/internal/logger"
	"github.com/satriahrh/twinvoice/internal/telemetry"
	"github.com/satriahrh/twinvoice/internal/websocket"
	"github.com/satriahrh/twinvoice/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
	log.Info("Server exited")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	tel, err := telemetry.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownWithTimeout(log, "telemetry", tel.Shutdown)

	var checks []api.ReadinessCheck

	shared, closeShared, err := openHistoryStore(ctx, cfg.History, log)
	if err != nil {
		return err
	}
	defer closeShared()

	history := cache.NewHistoryCache(cache.Config{
		LocalTTL:  cfg.History.LocalTTLDuration(),
		LocalSize: cfg.History.LocalSize,
		SharedTTL: cfg.History.SharedTTLDuration(),
		OpTimeout: cfg.History.OpTimeoutDuration(),
	}, shared, log)
	if shared != nil {
		checks = append(checks, api.ReadinessCheck{Name: "history", Check: history.Healthy})
	}

	cleanup := cache.NewFallbackCleanup(history, cfg.History.CleanupIntervalDuration(), log)
	cleanup.Start()
	defer cleanup.Stop()

	var conversations repositories.ConversationRepository
	if cfg.Persistence.Path != "" {
		repo, err := sqlite.Open(ctx, cfg.Persistence.Path, log)
		if err != nil {
			return fmt.Errorf("persistence: %w", err)
		}
		defer repo.Close()
		conversations = repo
	}

	var (
		generator   repositories.TextGenerator
		synthesizer repositories.SpeechSynthesizer
	)

	directSynth, voiceLister, err := bootstrap.NewSynthesizer(cfg.TTS, log)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}

	switch cfg.Mode {
	case config.ModeQueued:
		b, err := bootstrap.ConnectBroker(ctx, cfg.Broker, cfg.ServiceName+"-server", log)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		defer b.Close()

		dispatcher, err := broker.NewDispatcher(b.Client, log)
		if err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		defer dispatcher.Close()

		monitor, err := broker.NewWorkerMonitor(ctx, b.Client, cfg.Worker.StaleAfterDuration(), log)
		if err != nil {
			return fmt.Errorf("worker monitor: %w", err)
		}
		defer monitor.Close()

		checks = append(checks,
			api.ReadinessCheck{Name: "broker", Check: func(context.Context) error {
				if !b.Client.Healthy() {
					return errors.New("broker disconnected")
				}
				return nil
			}},
			api.ReadinessCheck{Name: "workers", Check: func(context.Context) error { return monitor.Ready() }},
		)

		generator = broker.NewRemoteGenerator(b.Client, dispatcher, log)
		synthesizer = broker.NewRemoteSynthesizer(b.Client, dispatcher, log)
		log.Info("Running in queued mode", zap.Bool("embeddedBroker", cfg.Broker.Embedded))

	default:
		generator, err = bootstrap.NewGenerator(ctx, cfg.LLM, log)
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		synthesizer = directSynth
		log.Info("Running in direct mode",
			zap.String("llm", cfg.LLM.Provider),
			zap.String("tts", cfg.TTS.Provider))
	}

	service := usecase.NewTwinService(generator, synthesizer, history, conversations, usecase.TwinServiceConfig{
		GenerationTimeout:  cfg.LLM.TimeoutDuration(),
		SynthesisTimeout:   cfg.TTS.TimeoutDuration(),
		MaxHistoryMessages: cfg.History.MaxMessages,
	}, log)

	hub := websocket.NewHub(service, websocket.HubConfig{QueueSize: cfg.Session.QueueSize}, log)
	defer hub.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	opts := api.Options{Metrics: tel.MetricsHandler, Checks: checks}
	if voiceLister != nil {
		opts.Voices = voiceLister
	}
	api.InitRoutes(e, hub, opts, log)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.HTTP.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("Server started", zap.String("addr", cfg.HTTP.Addr()), zap.String("mode", cfg.Mode))

	select {
	case <-ctx.Done():
		log.Info("Server is shutting down...")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	return nil
}

// openHistoryStore connects the configured tier-2 store. A nil store means
// the cache runs on its in-process tiers only.
func openHistoryStore(ctx context.Context, cfg config.HistoryConfig, log *zap.Logger) (repositories.HistoryStore, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := redis.Connect(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("redis history store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.BackendMongo:
		client, err := mongo.NewClient(ctx, mongo.Config{
			URI:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
			MinPoolSize: cfg.Mongo.MinPoolSize,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo client: %w", err)
		}
		store, err := mongo.NewHistoryStore(ctx, client.Database, log)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, nil, fmt.Errorf("mongo history store: %w", err)
		}
		return store, func() { shutdownWithTimeout(log, "mongo", client.Close) }, nil

	default:
		log.Warn("No shared history backend configured, history is process-local")
		return nil, func() {}, nil
	}
}

func shutdownWithTimeout(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("Shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
