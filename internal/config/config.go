package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeDirect = "direct"
	ModeQueued = "queued"

	BackendRedis = "redis"
	BackendMongo = "mongo"
	BackendNone  = "none"

	ProviderMock       = "mock"
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"

	TraceNone   = "none"
	TraceStdout = "stdout"
	TraceOTLP   = "otlp"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Addr is the listen address for the HTTP server
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"` // console, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	Metrics       bool   `yaml:"metrics"`
}

type BrokerConfig struct {
	Embedded       bool   `yaml:"embedded"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	URL            string `yaml:"url"`
	Name           string `yaml:"name"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Token          string `yaml:"token"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
}

type WorkerConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	ProcessTimeout    int `yaml:"process_timeout_ms"`
	StaleAfter        int `yaml:"stale_after_ms"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
	MinPoolSize uint64 `yaml:"min_pool_size"`
}

type HistoryConfig struct {
	Backend         string      `yaml:"backend"` // redis, mongo, none
	LocalTTL        int         `yaml:"local_ttl_sec"`
	LocalSize       int         `yaml:"local_size"`
	SharedTTL       int         `yaml:"shared_ttl_sec"`
	OpTimeout       int         `yaml:"op_timeout_ms"`
	CleanupInterval int         `yaml:"cleanup_interval_sec"`
	MaxMessages     int         `yaml:"max_messages"`
	Redis           RedisConfig `yaml:"redis"`
	Mongo           MongoConfig `yaml:"mongo"`
}

type PersistenceConfig struct {
	// Path of the SQLite database; empty disables persistence
	Path string `yaml:"path"`
}

type LLMConfig struct {
	Provider        string  `yaml:"provider"` // mock, gemini
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Timeout         int     `yaml:"timeout_sec"`
}

type TTSConfig struct {
	Provider     string  `yaml:"provider"` // mock, elevenlabs
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	VoiceID      string  `yaml:"voice_id"`
	ModelID      string  `yaml:"model_id"`
	OutputFormat string  `yaml:"output_format"`
	ChunkSize    int     `yaml:"chunk_size"`
	Stability    float64 `yaml:"stability"`
	Clarity      float64 `yaml:"clarity"`
	Timeout      int     `yaml:"timeout_sec"`
}

type SessionConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type Config struct {
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	Mode        string            `yaml:"mode"` // direct, queued
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Broker      BrokerConfig      `yaml:"broker"`
	Worker      WorkerConfig      `yaml:"worker"`
	History     HistoryConfig     `yaml:"history"`
	Persistence PersistenceConfig `yaml:"persistence"`
	LLM         LLMConfig         `yaml:"llm"`
	TTS         TTSConfig         `yaml:"tts"`
	Session     SessionConfig     `yaml:"session"`
}

func Default() Config {
	return Config{
		ServiceName: "twinvoice",
		Environment: "development",
		Mode:        ModeDirect,
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Telemetry: TelemetryConfig{
			TraceExporter: TraceNone,
			OTLPInsecure:  true,
			Metrics:       true,
		},
		Broker: BrokerConfig{
			Embedded:       false,
			Host:           "127.0.0.1",
			Port:           4222,
			URL:            "nats://localhost:4222",
			Name:           "twinvoice",
			ConnectTimeout: 2000,
		},
		Worker: WorkerConfig{
			HeartbeatInterval: 5000,
			ProcessTimeout:    90000,
			StaleAfter:        15000,
		},
		History: HistoryConfig{
			Backend:         BackendNone,
			LocalTTL:        300,
			LocalSize:       1024,
			SharedTTL:       86400,
			OpTimeout:       2000,
			CleanupInterval: 600,
			MaxMessages:     40,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
			Mongo: MongoConfig{
				URI:         "mongodb://localhost:27017",
				Database:    "twinvoice",
				MaxPoolSize: 10,
				MinPoolSize: 2,
			},
		},
		LLM: LLMConfig{
			Provider:        ProviderMock,
			Model:           "gemini-2.5-flash",
			Temperature:     0.7,
			MaxOutputTokens: 1024,
			Timeout:         60,
		},
		TTS: TTSConfig{
			Provider:     ProviderMock,
			BaseURL:      "https://api.elevenlabs.io/v1",
			ModelID:      "eleven_multilingual_v2",
			OutputFormat: "mp3_44100_128",
			ChunkSize:    4096,
			Stability:    0.5,
			Clarity:      0.75,
			Timeout:      90,
		},
		Session: SessionConfig{
			QueueSize: 4,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file in the working directory and the process environment, in that
// order of increasing precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Variables already set in the environment win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "TWIN_SERVICE_NAME")
	overrideString(&cfg.Environment, "TWIN_ENVIRONMENT")
	overrideString(&cfg.Mode, "TWIN_MODE")
	overrideString(&cfg.HTTP.Bind, "TWIN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TWIN_HTTP_PORT")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideString(&cfg.Log.Level, "TWIN_LOG_LEVEL")
	overrideString(&cfg.Log.Encoding, "TWIN_LOG_ENCODING")
	overrideString(&cfg.Log.File, "TWIN_LOG_FILE")
	overrideString(&cfg.Telemetry.TraceExporter, "TWIN_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TWIN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TWIN_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "TWIN_TELEMETRY_METRICS")
	overrideBool(&cfg.Broker.Embedded, "TWIN_BROKER_EMBEDDED")
	overrideString(&cfg.Broker.Host, "TWIN_BROKER_HOST")
	overrideInt(&cfg.Broker.Port, "TWIN_BROKER_PORT")
	overrideString(&cfg.Broker.URL, "TWIN_BROKER_URL")
	overrideString(&cfg.Broker.URL, "NATS_URL")
	overrideString(&cfg.Broker.Username, "TWIN_BROKER_USERNAME")
	overrideString(&cfg.Broker.Password, "TWIN_BROKER_PASSWORD")
	overrideString(&cfg.Broker.Token, "TWIN_BROKER_TOKEN")
	overrideInt(&cfg.Broker.ConnectTimeout, "TWIN_BROKER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Worker.HeartbeatInterval, "TWIN_WORKER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Worker.ProcessTimeout, "TWIN_WORKER_PROCESS_TIMEOUT_MS")
	overrideInt(&cfg.Worker.StaleAfter, "TWIN_WORKER_STALE_AFTER_MS")
	overrideString(&cfg.History.Backend, "TWIN_HISTORY_BACKEND")
	overrideInt(&cfg.History.LocalTTL, "TWIN_HISTORY_LOCAL_TTL_SEC")
	overrideInt(&cfg.History.SharedTTL, "TWIN_HISTORY_SHARED_TTL_SEC")
	overrideInt(&cfg.History.MaxMessages, "TWIN_HISTORY_MAX_MESSAGES")
	overrideString(&cfg.History.Redis.Addr, "TWIN_REDIS_ADDR")
	overrideString(&cfg.History.Redis.Password, "TWIN_REDIS_PASSWORD")
	overrideInt(&cfg.History.Redis.DB, "TWIN_REDIS_DB")
	overrideString(&cfg.History.Mongo.URI, "MONGODB_URI")
	overrideString(&cfg.History.Mongo.Database, "TWIN_MONGO_DATABASE")
	overrideString(&cfg.Persistence.Path, "TWIN_PERSISTENCE_PATH")
	overrideString(&cfg.LLM.Provider, "TWIN_LLM_PROVIDER")
	overrideString(&cfg.LLM.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.Model, "TWIN_LLM_MODEL")
	overrideInt(&cfg.LLM.Timeout, "TWIN_LLM_TIMEOUT_SEC")
	overrideString(&cfg.TTS.Provider, "TWIN_TTS_PROVIDER")
	overrideString(&cfg.TTS.APIKey, "ELEVEN_LABS_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "ELEVEN_LABS_API_BASE_URL")
	overrideString(&cfg.TTS.VoiceID, "ELEVEN_LABS_VOICE_ID")
	overrideString(&cfg.TTS.ModelID, "ELEVEN_LABS_MODEL_ID")
	overrideString(&cfg.TTS.OutputFormat, "ELEVEN_LABS_OUTPUT_FORMAT")
	overrideInt(&cfg.TTS.Timeout, "TWIN_TTS_TIMEOUT_SEC")
	overrideInt(&cfg.Session.QueueSize, "TWIN_SESSION_QUEUE_SIZE")
}

func overrideString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		*target = strings.TrimSpace(val)
	}
}

func overrideInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	var errs []error

	switch cfg.Mode {
	case ModeDirect, ModeQueued:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeDirect, ModeQueued, cfg.Mode))
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", cfg.HTTP.Port))
	}
	switch strings.ToLower(cfg.Log.Encoding) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.encoding must be console or json, got %q", cfg.Log.Encoding))
	}
	switch cfg.Telemetry.TraceExporter {
	case TraceNone, TraceStdout:
	case TraceOTLP:
		if cfg.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required for the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter must be none, stdout or otlp, got %q", cfg.Telemetry.TraceExporter))
	}

	if cfg.Mode == ModeQueued && !cfg.Broker.Embedded && cfg.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required in queued mode"))
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("worker.heartbeat_interval_ms must be positive"))
	}
	if cfg.Worker.StaleAfter <= cfg.Worker.HeartbeatInterval {
		errs = append(errs, errors.New("worker.stale_after_ms must exceed the heartbeat interval"))
	}

	switch cfg.History.Backend {
	case BackendNone:
	case BackendRedis:
		if cfg.History.Redis.Addr == "" {
			errs = append(errs, errors.New("history.redis.addr is required for the redis backend"))
		}
	case BackendMongo:
		if cfg.History.Mongo.URI == "" || cfg.History.Mongo.Database == "" {
			errs = append(errs, errors.New("history.mongo.uri and database are required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend must be redis, mongo or none, got %q", cfg.History.Backend))
	}
	if cfg.History.LocalTTL <= 0 || cfg.History.SharedTTL <= 0 {
		errs = append(errs, errors.New("history TTLs must be positive"))
	}
	if cfg.History.MaxMessages <= 0 {
		errs = append(errs, errors.New("history.max_messages must be positive"))
	}

	switch cfg.LLM.Provider {
	case ProviderMock:
	case ProviderGemini:
		if cfg.LLM.APIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be mock or gemini, got %q", cfg.LLM.Provider))
	}

	switch cfg.TTS.Provider {
	case ProviderMock:
	case ProviderElevenLabs:
		if cfg.TTS.APIKey == "" {
			errs = append(errs, errors.New("ELEVEN_LABS_API_KEY is required for the elevenlabs provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("tts.provider must be mock or elevenlabs, got %q", cfg.TTS.Provider))
	}

	if cfg.Session.QueueSize <= 0 {
		errs = append(errs, errors.New("session.queue_size must be positive"))
	}
	return errors.Join(errs...)
}

func millis(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func (b BrokerConfig) ConnectTimeoutDuration() time.Duration    { return millis(b.ConnectTimeout) }
func (w WorkerConfig) HeartbeatIntervalDuration() time.Duration { return millis(w.HeartbeatInterval) }
func (w WorkerConfig) ProcessTimeoutDuration() time.Duration    { return millis(w.ProcessTimeout) }
func (w WorkerConfig) StaleAfterDuration() time.Duration        { return millis(w.StaleAfter) }
func (h HistoryConfig) LocalTTLDuration() time.Duration         { return seconds(h.LocalTTL) }
func (h HistoryConfig) SharedTTLDuration() time.Duration        { return seconds(h.SharedTTL) }
func (h HistoryConfig) OpTimeoutDuration() time.Duration        { return millis(h.OpTimeout) }
func (h HistoryConfig) CleanupIntervalDuration() time.Duration  { return seconds(h.CleanupInterval) }
func (l LLMConfig) TimeoutDuration() time.Duration              { return seconds(l.Timeout) }
func (t TTSConfig) TimeoutDuration() time.Duration              { return seconds(t.Timeout) }
