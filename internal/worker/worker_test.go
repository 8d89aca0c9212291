package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/twinvoice/adapters/llm"
	"github.com/satriahrh/twinvoice/adapters/tts"
	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
	"github.com/satriahrh/twinvoice/internal/broker"
)

func startBroker(t *testing.T) *broker.Client {
	t.Helper()
	return startBrokerWith(t, broker.EmbeddedConfig{Port: -1})
}

func startBrokerWith(t *testing.T, cfg broker.EmbeddedConfig) *broker.Client {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv, err := broker.StartEmbedded(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := broker.Connect(context.Background(), broker.Config{URL: srv.ClientURL()}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startWorker(t *testing.T, client *broker.Client, p Processor, cfg Config) *Worker {
	t.Helper()
	w, err := New(client, p, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(w.Close)
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return w
}

func newDispatcher(t *testing.T, client *broker.Client) *broker.Dispatcher {
	t.Helper()
	d, err := broker.NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestLLMWorker_RoundTrip(t *testing.T) {
	client := startBroker(t)
	startWorker(t, client, NewLLMProcessor(llm.NewMockGenerator()), Config{})
	gen := broker.NewRemoteGenerator(client, newDispatcher(t, client), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(domain.ContextWithSessionID(context.Background(), "ws_1_x"), 5*time.Second)
	defer cancel()

	result, err := gen.Generate(ctx, "warren-buffett", "Cosa pensi degli investimenti in tecnologia?", nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Reply == "" {
		t.Error("Expected non-empty reply")
	}
	if len(result.History) != 2 {
		t.Errorf("Expected 2 history entries, got %d", len(result.History))
	}
}

func TestLLMWorker_ReportsFailure(t *testing.T) {
	client := startBroker(t)
	startWorker(t, client, NewLLMProcessor(&llm.MockGenerator{Err: errors.New("quota exceeded")}), Config{})
	gen := broker.NewRemoteGenerator(client, newDispatcher(t, client), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := gen.Generate(ctx, "warren-buffett", "hi", nil)
	if !errors.Is(err, repositories.ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
	var werr *broker.WorkerError
	if !errors.As(err, &werr) || werr.Code != domain.ErrorCodeLLMProcessing {
		t.Errorf("Expected LLM_PROCESSING_ERROR, got %v", err)
	}
}

func TestTTSWorker_RoundTrip(t *testing.T) {
	client := startBroker(t)
	startWorker(t, client, NewTTSProcessor(tts.NewMockSynthesizer()), Config{})
	synth := broker.NewRemoteSynthesizer(client, newDispatcher(t, client), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := synth.Synthesize(ctx, entities.SynthesisRequest{SessionID: "ws_1_x", Text: "Investo solo in ciò che capisco, e penso al lungo periodo."})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := result.Validate(); err != nil {
		t.Errorf("Expected valid result, got %v", err)
	}
	if result.SessionID != "ws_1_x" {
		t.Errorf("Expected session ws_1_x, got %s", result.SessionID)
	}
}

type countingProcessor struct {
	count atomic.Int32
}

func (c *countingProcessor) Type() entities.WorkerType { return entities.WorkerTypeTTS }

func (c *countingProcessor) Process(ctx context.Context, payload []byte) (any, error) {
	c.count.Add(1)
	return map[string]string{"ok": "yes"}, nil
}

func TestWorkers_QueueGroupDeliversOnce(t *testing.T) {
	client := startBroker(t)
	a, b := &countingProcessor{}, &countingProcessor{}
	startWorker(t, client, a, Config{ID: "tts-a"})
	startWorker(t, client, b, Config{ID: "tts-b"})

	responses := make(chan *nats.Msg, 32)
	sub, err := client.Conn().ChanSubscribe(broker.SubjectTTSResponse, responses)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	const n = 10
	for i := 0; i < n; i++ {
		req := broker.TTSRequest{Envelope: broker.NewEnvelope("ws_1_x"), Text: "x"}
		if err := client.Publish(broker.SubjectTTSRequest, req); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case <-responses:
		case <-time.After(5 * time.Second):
			t.Fatalf("Expected %d responses, got %d", n, i)
		}
	}

	if total := a.count.Load() + b.count.Load(); total != n {
		t.Errorf("Expected %d processed requests across workers, got %d", n, total)
	}
}

func TestWorker_HeartbeatsReachMonitor(t *testing.T) {
	client := startBroker(t)
	monitor, err := broker.NewWorkerMonitor(context.Background(), client, time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer monitor.Close()

	startWorker(t, client, NewLLMProcessor(llm.NewMockGenerator()), Config{HeartbeatInterval: 50 * time.Millisecond})
	startWorker(t, client, NewTTSProcessor(tts.NewMockSynthesizer()), Config{HeartbeatInterval: 50 * time.Millisecond})

	deadline := time.Now().Add(2 * time.Second)
	for monitor.Ready() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("Expected monitor to see both workers: %v", monitor.Ready())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type oversizedProcessor struct{}

func (oversizedProcessor) Type() entities.WorkerType { return entities.WorkerTypeTTS }

func (oversizedProcessor) Process(ctx context.Context, payload []byte) (any, error) {
	audio := strings.Repeat("A", 256<<10)
	return entities.SynthesisResult{
		SessionID:  "ws_1_x",
		Format:     "mp3",
		Chunks:     []string{audio},
		TotalBytes: len(audio),
	}, nil
}

func TestTTSWorker_OversizedResultFailsFast(t *testing.T) {
	client := startBrokerWith(t, broker.EmbeddedConfig{Port: -1, MaxPayload: 64 << 10})
	startWorker(t, client, oversizedProcessor{}, Config{})
	synth := broker.NewRemoteSynthesizer(client, newDispatcher(t, client), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := synth.Synthesize(ctx, entities.SynthesisRequest{SessionID: "ws_1_x", Text: "a very long answer"})
	if err == nil {
		t.Fatal("Expected error for oversized result")
	}
	if errors.Is(err, broker.ErrBrokerTimeout) {
		t.Fatalf("Expected a worker failure, got timeout: %v", err)
	}
	var werr *broker.WorkerError
	if !errors.As(err, &werr) || werr.Code != domain.ErrorCodeTTSProcessing {
		t.Errorf("Expected TTS_PROCESSING_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "max payload") {
		t.Errorf("Expected max payload in error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected fast failure, took %v", elapsed)
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(nil, badProcessor{}, Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Error("Expected error for unknown worker type")
	}
}

type badProcessor struct{}

func (badProcessor) Type() entities.WorkerType { return "stt" }

func (badProcessor) Process(ctx context.Context, payload []byte) (any, error) { return nil, nil }
