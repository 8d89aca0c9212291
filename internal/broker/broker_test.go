package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

func startBroker(t *testing.T) (*EmbeddedServer, *Client) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv, err := StartEmbedded(EmbeddedConfig{Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), Config{URL: srv.ClientURL()}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return srv, client
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// respondTo answers every request on subject with reply(envelope, payload)
func respondTo(t *testing.T, client *Client, subject, responseSubject string, reply func(Envelope, []byte) Response) {
	t.Helper()
	sub, err := client.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.Errorf("bad envelope: %v", err)
			return
		}
		_ = client.Publish(responseSubject, reply(env, msg.Data))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestConnect_WaitsForServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	port := freePort(t)

	type result struct {
		client *Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := Connect(ctx, Config{URL: "nats://127.0.0.1:" + strconv.Itoa(port), ReconnectWait: 50 * time.Millisecond}, logger)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("Connect returned before the server was up: %v", r.err)
	case <-time.After(300 * time.Millisecond):
	}

	srv, err := StartEmbedded(EmbeddedConfig{Port: port}, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer srv.Shutdown()

	r := <-done
	if r.err != nil {
		t.Fatalf("Expected connect to succeed, got %v", r.err)
	}
	defer r.client.Close()
	if !r.client.Healthy() {
		t.Error("Expected healthy client")
	}
}

func TestConnect_ContextDone(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, Config{URL: "nats://127.0.0.1:" + strconv.Itoa(port)}, zaptest.NewLogger(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestClient_Flush(t *testing.T) {
	_, client := startBroker(t)

	if err := client.Publish(SubjectWorkerHeartbeat, map[string]string{"worker_id": "w"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Flush(context.Background()); err != nil {
		t.Errorf("Expected flush without deadline to succeed, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Flush(ctx); err != nil {
		t.Errorf("Expected flush with deadline to succeed, got %v", err)
	}
}

func TestDispatcher_DeliversToOneWaiter(t *testing.T) {
	_, client := startBroker(t)
	d, err := NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	first := d.Register("req-1", "ws_1_x")
	second := d.Register("req-2", "ws_1_x")

	if err := client.Publish(SubjectTTSResponse, Response{RequestID: "req-2", SessionID: "ws_1_x", Success: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// unknown ids belong to another server instance and are ignored
	if err := client.Publish(SubjectLLMResponse, Response{RequestID: "someone-else"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case resp := <-second:
		if resp.SessionID != "ws_1_x" {
			t.Errorf("Expected session ws_1_x, got %s", resp.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected response for req-2")
	}

	select {
	case resp := <-first:
		t.Errorf("Expected nothing for req-1, got %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}

	if d.Pending() != 1 {
		t.Errorf("Expected 1 pending request, got %d", d.Pending())
	}
}

func TestDispatcher_AbandonedResponseDropped(t *testing.T) {
	_, client := startBroker(t)
	d, err := NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	ch := d.Register("req-1", "ws_1_x")
	d.Abandon("req-1", "ws_1_x")

	_ = client.Publish(SubjectLLMResponse, Response{RequestID: "req-1", Success: true})
	_ = client.Flush(context.Background())

	select {
	case resp := <-ch:
		t.Errorf("Expected abandoned response to be dropped, got %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}
	if d.Pending() != 0 {
		t.Errorf("Expected no pending requests, got %d", d.Pending())
	}
}

func TestDispatcher_SessionMismatchDropped(t *testing.T) {
	_, client := startBroker(t)
	d, err := NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	ch := d.Register("req-1", "ws_1_x")

	_ = client.Publish(SubjectTTSResponse, Response{RequestID: "req-1", SessionID: "ws_2_y", Success: true})
	_ = client.Flush(context.Background())

	select {
	case resp := <-ch:
		t.Fatalf("Expected response for another session to be dropped, got %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}
	if d.Pending() != 1 {
		t.Errorf("Expected waiter to stay pending, got %d", d.Pending())
	}

	_ = client.Publish(SubjectTTSResponse, Response{RequestID: "req-1", SessionID: "ws_1_x", Success: true})
	select {
	case resp := <-ch:
		if resp.SessionID != "ws_1_x" {
			t.Errorf("Expected session ws_1_x, got %s", resp.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected matching response to be delivered")
	}
}

func TestRemoteGenerator_RoundTrip(t *testing.T) {
	_, client := startBroker(t)
	d, err := NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	respondTo(t, client, SubjectLLMRequest, SubjectLLMResponse, func(env Envelope, raw []byte) Response {
		var req LLMRequest
		_ = json.Unmarshal(raw, &req)
		result, _ := json.Marshal(repositories.GenerationResult{
			Reply:   "Investo solo in ciò che capisco.",
			History: req.History.Append(entities.ChatMessage{Role: entities.RoleUser, Content: req.Prompt}),
		})
		return Response{RequestID: env.RequestID, SessionID: env.SessionID, Success: true, Result: result, WorkerID: "llm-test"}
	})

	gen := NewRemoteGenerator(client, d, zaptest.NewLogger(t))
	ctx := domain.ContextWithSessionID(context.Background(), "ws_1_x")
	result, err := gen.Generate(ctx, "warren-buffett", "Cosa pensi degli investimenti in tecnologia?", nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Reply == "" {
		t.Error("Expected non-empty reply")
	}
	if len(result.History) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(result.History))
	}
}

func TestRemoteSynthesizer_WorkerFailure(t *testing.T) {
	_, client := startBroker(t)
	d, err := NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	respondTo(t, client, SubjectTTSRequest, SubjectTTSResponse, func(env Envelope, _ []byte) Response {
		return Response{RequestID: env.RequestID, SessionID: env.SessionID, Success: false,
			Error: "all voices exhausted", ErrorCode: domain.ErrorCodeTTSProcessing, WorkerID: "tts-test"}
	})

	synth := NewRemoteSynthesizer(client, d, zaptest.NewLogger(t))
	_, err = synth.Synthesize(context.Background(), entities.SynthesisRequest{SessionID: "ws_1_x", Text: "Ciao"})
	if !errors.Is(err, repositories.ErrSynthesisFailed) {
		t.Fatalf("Expected ErrSynthesisFailed, got %v", err)
	}
	var werr *WorkerError
	if !errors.As(err, &werr) || werr.Code != domain.ErrorCodeTTSProcessing {
		t.Errorf("Expected worker error with TTS_PROCESSING_ERROR, got %v", err)
	}
}

func TestRemoteGenerator_Timeout(t *testing.T) {
	_, client := startBroker(t)
	d, err := NewDispatcher(client, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	gen := NewRemoteGenerator(client, d, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = gen.Generate(ctx, "warren-buffett", "hi", nil)
	if !errors.Is(err, ErrBrokerTimeout) {
		t.Errorf("Expected ErrBrokerTimeout, got %v", err)
	}
	if d.Pending() != 0 {
		t.Errorf("Expected waiter to be abandoned, %d pending", d.Pending())
	}
}

func TestWorkerMonitor_Readiness(t *testing.T) {
	_, client := startBroker(t)
	m, err := NewWorkerMonitor(context.Background(), client, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer m.Close()

	if err := m.Ready(); err == nil {
		t.Error("Expected not ready without workers")
	}

	now := time.Now().UTC()
	_ = client.Publish(SubjectWorkerHeartbeat, entities.WorkerHeartbeat{WorkerID: "llm-1", WorkerType: entities.WorkerTypeLLM, Timestamp: now})
	_ = client.Publish(SubjectSystemEvents, SystemEvent{Event: EventWorkerStarted, WorkerID: "tts-1", WorkerType: entities.WorkerTypeTTS, Timestamp: now})

	waitFor(t, func() bool { return m.Ready() == nil })

	_ = client.Publish(SubjectSystemEvents, SystemEvent{Event: EventWorkerStopped, WorkerID: "tts-1", WorkerType: entities.WorkerTypeTTS, Timestamp: now})
	waitFor(t, func() bool { return m.Live(entities.WorkerTypeTTS) == 0 })

	if err := m.Ready(); err == nil {
		t.Error("Expected not ready after the only TTS worker stopped")
	}
}

func TestWorkerMonitor_StaleHeartbeat(t *testing.T) {
	_, client := startBroker(t)
	m, err := NewWorkerMonitor(context.Background(), client, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer m.Close()

	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.update("llm-1", entities.WorkerTypeLLM, seen, true)

	m.clock = func() time.Time { return seen.Add(30 * time.Second) }
	m.evaluateHealth()
	if m.Live(entities.WorkerTypeLLM) != 1 {
		t.Error("Expected worker to still be live within the window")
	}

	m.clock = func() time.Time { return seen.Add(2 * time.Minute) }
	m.evaluateHealth()
	if m.Live(entities.WorkerTypeLLM) != 0 {
		t.Error("Expected worker to be stale after the window")
	}
	if len(m.Workers()) != 1 {
		t.Errorf("Expected stale worker to be kept, got %d workers", len(m.Workers()))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
