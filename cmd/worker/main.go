package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/internal/bootstrap"
	"github.com/satriahrh/twinvoice/internal/config"
	"github.com/satriahrh/twinvoice/internal/logger"
	"github.com/satriahrh/twinvoice/internal/telemetry"
	"github.com/satriahrh/twinvoice/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	workerType := flag.String("type", "", "worker type: llm or tts")
	workerID := flag.String("id", "", "worker id (generated when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log, cfg.ServiceName+"-worker-"+*workerType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, entities.WorkerType(*workerType), *workerID, log); err != nil {
		log.Fatal("Worker exited with error", zap.Error(err))
	}
	log.Info("Worker exited")
}

func run(ctx context.Context, cfg config.Config, workerType entities.WorkerType, id string, log *zap.Logger) error {
	tel, err := telemetry.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	var processor worker.Processor
	switch workerType {
	case entities.WorkerTypeLLM:
		generator, err := bootstrap.NewGenerator(ctx, cfg.LLM, log)
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		processor = worker.NewLLMProcessor(generator)
	case entities.WorkerTypeTTS:
		synthesizer, _, err := bootstrap.NewSynthesizer(cfg.TTS, log)
		if err != nil {
			return fmt.Errorf("tts: %w", err)
		}
		processor = worker.NewTTSProcessor(synthesizer)
	default:
		return fmt.Errorf("unknown worker type %q, expected llm or tts", workerType)
	}

	// Blocks until the broker is reachable or a termination signal arrives
	b, err := bootstrap.ConnectBroker(ctx, cfg.Broker, fmt.Sprintf("%s-%s-worker", cfg.ServiceName, workerType), log)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer b.Close()

	w, err := worker.New(b.Client, processor, worker.Config{
		ID:                id,
		HeartbeatInterval: cfg.Worker.HeartbeatIntervalDuration(),
		ProcessTimeout:    cfg.Worker.ProcessTimeoutDuration(),
	}, log)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	log.Info("Worker started", zap.String("workerID", w.ID()), zap.String("type", string(workerType)))

	<-ctx.Done()
	log.Info("Worker draining", zap.String("workerID", w.ID()))
	w.Close()
	return nil
}
