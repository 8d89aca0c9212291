package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/twinvoice/adapters/llm"
	"github.com/satriahrh/twinvoice/adapters/sqlite"
	"github.com/satriahrh/twinvoice/adapters/tts"
	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
	"github.com/satriahrh/twinvoice/internal/broker"
	"github.com/satriahrh/twinvoice/internal/cache"
	"github.com/satriahrh/twinvoice/internal/worker"
)

type emitted struct {
	Type string
	Data json.RawMessage
}

// recorder is an Emitter that keeps every message in order
type recorder struct {
	mu       sync.Mutex
	messages []emitted
	failOn   string
}

func (r *recorder) Emit(msgType string, data any) error {
	if msgType == r.failOn {
		return errors.New("connection gone")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, emitted{Type: msgType, Data: raw})
	return nil
}

func (r *recorder) snapshot() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.messages...)
}

func (r *recorder) types() []string {
	var out []string
	for _, m := range r.snapshot() {
		out = append(out, m.Type)
	}
	return out
}

func decode[T any](t *testing.T, m emitted) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(m.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", m.Type, err)
	}
	return v
}

func newService(t *testing.T, gen repositories.TextGenerator, synth repositories.SpeechSynthesizer, repo repositories.ConversationRepository) (*TwinService, *cache.HistoryCache) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	history := cache.NewHistoryCache(cache.Config{}, nil, logger)
	return NewTwinService(gen, synth, history, repo, TwinServiceConfig{}, logger), history
}

func warrenTurn(voice string) Turn {
	return Turn{
		SessionID: "ws_1_abcd1234",
		Chat: domain.TwinChatMessage{
			DigitalTwinID:   "warren-buffett",
			DigitalTwinName: "Warren Buffett",
			Message:         "Cosa pensi degli investimenti in tecnologia?",
			Voice:           voice,
		},
	}
}

func TestRunTurn_TextThenAudio(t *testing.T) {
	svc, history := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), nil)
	out := &recorder{}

	if err := svc.RunTurn(context.Background(), warrenTurn(""), out); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	msgs := out.snapshot()
	if len(msgs) < 4 {
		t.Fatalf("Expected at least 4 messages, got %d", len(msgs))
	}
	if msgs[0].Type != domain.MessageTypeTwinResponse {
		t.Fatalf("Expected first message twin_response, got %s", msgs[0].Type)
	}
	reply := decode[domain.TwinResponseMessage](t, msgs[0])
	if reply.Text == "" || !reply.TTSWillFollow {
		t.Errorf("Expected text with tts_will_follow, got %+v", reply)
	}
	if reply.SessionID != "ws_1_abcd1234" {
		t.Errorf("Expected session id ws_1_abcd1234, got %s", reply.SessionID)
	}

	if msgs[1].Type != domain.MessageTypeTTSStarted {
		t.Fatalf("Expected tts_started, got %s", msgs[1].Type)
	}
	started := decode[domain.TTSStartedMessage](t, msgs[1])
	if started.Voice != tts.DefaultVoiceID {
		t.Errorf("Expected default voice, got %s", started.Voice)
	}
	if started.Text != reply.Text {
		t.Errorf("Expected tts_started text to match reply")
	}

	chunks := msgs[2 : len(msgs)-1]
	for i, m := range chunks {
		if m.Type != domain.MessageTypeAudioChunk {
			t.Fatalf("Expected audio_chunk at %d, got %s", i+2, m.Type)
		}
		c := decode[domain.AudioChunkMessage](t, m)
		if c.ChunkIndex != i {
			t.Errorf("Expected chunk index %d, got %d", i, c.ChunkIndex)
		}
		if c.TotalChunksExpected != len(chunks) {
			t.Errorf("Expected total %d, got %d", len(chunks), c.TotalChunksExpected)
		}
		if c.IsFinalChunk != (i == len(chunks)-1) {
			t.Errorf("Expected is_final_chunk only on last chunk, index %d", i)
		}
	}

	last := msgs[len(msgs)-1]
	if last.Type != domain.MessageTypeTTSComplete {
		t.Fatalf("Expected tts_complete last, got %s", last.Type)
	}
	complete := decode[domain.TTSCompleteMessage](t, last)
	if complete.TotalChunks != len(chunks) {
		t.Errorf("Expected total_chunks %d, got %d", len(chunks), complete.TotalChunks)
	}
	if complete.TotalAudioBytes != len(reply.Text) {
		t.Errorf("Expected %d audio bytes, got %d", len(reply.Text), complete.TotalAudioBytes)
	}

	cached, ok := history.Get(context.Background(), "warren-buffett")
	if !ok || len(cached) != 2 {
		t.Fatalf("Expected 2 cached history entries, got %d (hit=%v)", len(cached), ok)
	}
	if cached[0].Role != entities.RoleUser || cached[1].Role != entities.RoleAssistant {
		t.Errorf("Expected user then assistant, got %s then %s", cached[0].Role, cached[1].Role)
	}
}

func TestRunTurn_HistoryAccumulates(t *testing.T) {
	svc, history := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), nil)

	for i := 0; i < 3; i++ {
		if err := svc.RunTurn(context.Background(), warrenTurn(""), &recorder{}); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	cached, _ := history.Get(context.Background(), "warren-buffett")
	if len(cached) != 6 {
		t.Errorf("Expected 6 history entries, got %d", len(cached))
	}
}

func TestRunTurn_GenerationFailure(t *testing.T) {
	gen := &llm.MockGenerator{Err: errors.New("quota exceeded")}
	svc, _ := newService(t, gen, tts.NewMockSynthesizer(), nil)
	out := &recorder{}

	err := svc.RunTurn(context.Background(), warrenTurn(""), out)
	if !errors.Is(err, repositories.ErrGenerationFailed) {
		t.Errorf("Expected ErrGenerationFailed, got %v", err)
	}

	msgs := out.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly 1 message, got %v", out.types())
	}
	e := decode[domain.ErrorMessage](t, msgs[0])
	if e.ErrorCode != domain.ErrorCodeDigitalTwin {
		t.Errorf("Expected %s, got %s", domain.ErrorCodeDigitalTwin, e.ErrorCode)
	}
	if e.Stage != domain.StageTwinResponse {
		t.Errorf("Expected stage %s, got %s", domain.StageTwinResponse, e.Stage)
	}
}

func TestRunTurn_SynthesisFailureKeepsText(t *testing.T) {
	synth := &tts.MockSynthesizer{Err: errors.New("all voices failed")}
	svc, _ := newService(t, llm.NewMockGenerator(), synth, nil)
	out := &recorder{}

	err := svc.RunTurn(context.Background(), warrenTurn(""), out)
	if !errors.Is(err, repositories.ErrSynthesisFailed) {
		t.Errorf("Expected ErrSynthesisFailed, got %v", err)
	}

	types := out.types()
	if len(types) != 2 || types[0] != domain.MessageTypeTwinResponse || types[1] != domain.MessageTypeError {
		t.Fatalf("Expected [twin_response error], got %v", types)
	}
	e := decode[domain.ErrorMessage](t, out.snapshot()[1])
	if e.ErrorCode != domain.ErrorCodeTTS || e.Stage != domain.StageTTSSynthesis {
		t.Errorf("Expected TTS_ERROR at tts_synthesis, got %+v", e)
	}
}

func TestRunTurn_VoiceResolution(t *testing.T) {
	tests := []struct {
		name  string
		voice string
		want  string
	}{
		{"empty uses default", "", tts.DefaultVoiceID},
		{"unknown uses default", "not-a-voice", tts.DefaultVoiceID},
		{"known passes through", "pNInz6obpgDQGcFmaJgB", "pNInz6obpgDQGcFmaJgB"},
		{"uuid passes through", "0b8f6c4e-3a34-4f8e-9a2b-1c2d3e4f5a6b", "0b8f6c4e-3a34-4f8e-9a2b-1c2d3e4f5a6b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), nil)
			out := &recorder{}
			if err := svc.RunTurn(context.Background(), warrenTurn(tt.voice), out); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			started := decode[domain.TTSStartedMessage](t, out.snapshot()[1])
			if started.Voice != tt.want {
				t.Errorf("Expected voice %s, got %s", tt.want, started.Voice)
			}
		})
	}
}

func TestRunTurn_EmitFailureAborts(t *testing.T) {
	svc, _ := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), nil)
	out := &recorder{failOn: domain.MessageTypeTTSStarted}

	if err := svc.RunTurn(context.Background(), warrenTurn(""), out); err == nil {
		t.Fatal("Expected error when the client is gone")
	}
	if types := out.types(); len(types) != 1 {
		t.Errorf("Expected only twin_response before abort, got %v", types)
	}
}

func TestRunTurn_CancelledBeforeReply(t *testing.T) {
	svc, _ := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), nil)
	out := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.RunTurn(ctx, warrenTurn(""), out)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(out.snapshot()) != 0 {
		t.Errorf("Expected no messages for a cancelled turn, got %v", out.types())
	}
}

func TestRunTurn_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	repo, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "twin.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	first, _ := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), repo)
	if err := first.RunTurn(ctx, warrenTurn(""), &recorder{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	msgs, err := repo.GetRecentMessages(ctx, "warren-buffett", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(msgs))
	}

	// A fresh process has an empty cache and must fall back to persistence
	second, history := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), repo)
	if err := second.RunTurn(ctx, warrenTurn(""), &recorder{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	cached, _ := history.Get(ctx, "warren-buffett")
	if len(cached) != 4 {
		t.Errorf("Expected 4 history entries after reload, got %d", len(cached))
	}
}

// batchRepo records how messages reach the repository
type batchRepo struct {
	mu      sync.Mutex
	batches [][]entities.Message
	singles int
	err     error
}

func (r *batchRepo) GetOrCreateConversation(ctx context.Context, id, displayName string) (*entities.Conversation, error) {
	return &entities.Conversation{ID: id, DisplayName: displayName}, nil
}

func (r *batchRepo) AppendMessage(ctx context.Context, msg *entities.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singles++
	return r.err
}

func (r *batchRepo) AppendMessages(ctx context.Context, msgs ...*entities.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var batch []entities.Message
	for _, m := range msgs {
		batch = append(batch, *m)
	}
	r.batches = append(r.batches, batch)
	return r.err
}

func (r *batchRepo) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]entities.Message, error) {
	return nil, nil
}

func TestRunTurn_PersistsTurnAsOneBatch(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"stored", nil},
		{"store fails", errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &batchRepo{err: tt.err}
			svc, _ := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), repo)
			out := &recorder{}

			if err := svc.RunTurn(context.Background(), warrenTurn(""), out); err != nil {
				t.Fatalf("Expected persistence failure to stay silent, got %v", err)
			}
			if got := out.types(); got[len(got)-1] != domain.MessageTypeTTSComplete {
				t.Errorf("Expected turn to finish with tts_complete, got %v", got)
			}

			if repo.singles != 0 {
				t.Errorf("Expected no single-message writes, got %d", repo.singles)
			}
			if len(repo.batches) != 1 || len(repo.batches[0]) != 2 {
				t.Fatalf("Expected one batch of 2 messages, got %+v", repo.batches)
			}
			if repo.batches[0][0].Role != entities.RoleUser || repo.batches[0][1].Role != entities.RoleAssistant {
				t.Errorf("Expected user then assistant, got %s then %s", repo.batches[0][0].Role, repo.batches[0][1].Role)
			}
		})
	}
}

func TestRunTurn_QueuedMatchesDirect(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv, err := broker.StartEmbedded(broker.EmbeddedConfig{Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := broker.Connect(context.Background(), broker.Config{URL: srv.ClientURL()}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	for _, p := range []worker.Processor{
		worker.NewLLMProcessor(llm.NewMockGenerator()),
		worker.NewTTSProcessor(tts.NewMockSynthesizer()),
	} {
		w, err := worker.New(client, p, worker.Config{}, logger)
		if err != nil {
			t.Fatalf("new worker: %v", err)
		}
		if err := w.Start(context.Background()); err != nil {
			t.Fatalf("start worker: %v", err)
		}
		t.Cleanup(w.Close)
	}

	dispatcher, err := broker.NewDispatcher(client, logger)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(dispatcher.Close)
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	queued, _ := newService(t,
		broker.NewRemoteGenerator(client, dispatcher, logger),
		broker.NewRemoteSynthesizer(client, dispatcher, logger),
		nil)
	direct, _ := newService(t, llm.NewMockGenerator(), tts.NewMockSynthesizer(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queuedOut, directOut := &recorder{}, &recorder{}
	if err := queued.RunTurn(ctx, warrenTurn("ErXwobaYiN019PkySvjV"), queuedOut); err != nil {
		t.Fatalf("queued turn: %v", err)
	}
	if err := direct.RunTurn(ctx, warrenTurn("ErXwobaYiN019PkySvjV"), directOut); err != nil {
		t.Fatalf("direct turn: %v", err)
	}

	q, d := queuedOut.snapshot(), directOut.snapshot()
	if len(q) != len(d) {
		t.Fatalf("Expected %d messages in queued mode, got %d", len(d), len(q))
	}
	for i := range d {
		if q[i].Type != d[i].Type {
			t.Errorf("message %d: expected type %s, got %s", i, d[i].Type, q[i].Type)
		}
		if string(q[i].Data) != string(d[i].Data) {
			t.Errorf("message %d: expected %s, got %s", i, d[i].Data, q[i].Data)
		}
	}
}
