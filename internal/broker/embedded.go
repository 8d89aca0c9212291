package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// EmbeddedConfig configures an in-process NATS server
type EmbeddedConfig struct {
	Host string
	// Port -1 picks a random free port
	Port       int
	MaxPayload int32
}

const defaultMaxPayload = 8 << 20

// EmbeddedServer wraps a NATS server instance running inside this process
type EmbeddedServer struct {
	ns     *server.Server
	logger *zap.Logger
}

// StartEmbedded starts a NATS server and waits until it accepts connections
func StartEmbedded(cfg EmbeddedConfig, logger *zap.Logger) (*EmbeddedServer, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = defaultMaxPayload
	}

	opts := &server.Options{
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: cfg.MaxPayload,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	logger.Info("Embedded NATS server started", zap.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, logger: logger}, nil
}

// ClientURL is the address clients should dial
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.logger.Info("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
