package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize = 256
)

var (
	// ErrSessionNotFound is returned when routing to a session that was removed
	ErrSessionNotFound = errors.New("session not found")

	errClientClosed = errors.New("client closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HubConfig tunes per-session behaviour
type HubConfig struct {
	// QueueSize is the number of turns a session may have waiting behind the running one
	QueueSize int
}

// Hub is the session registry. It owns every live client for its lifetime
// and routes turn output back to the connection by session id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Uint64

	executor  usecase.TurnExecutor
	validator *MessageValidator
	cfg       HubConfig
	logger    *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(executor usecase.TurnExecutor, cfg HubConfig, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:   make(map[string]*Client),
		executor:  executor,
		validator: NewMessageValidator(),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "hub")),
	}
	h.initMetrics()
	return h
}

func (h *Hub) initMetrics() {
	meter := otel.Meter("github.com/satriahrh/twinvoice/internal/websocket")
	gauge, err := meter.Int64ObservableGauge("twin.sessions.active",
		metric.WithDescription("Live client sessions"))
	if err != nil {
		h.logger.Warn("Failed to create session gauge", zap.Error(err))
		return
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(h.Count()))
		return nil
	}, gauge); err != nil {
		h.logger.Warn("Failed to register session gauge", zap.Error(err))
	}
}

// newSessionID combines a process-wide counter with random bits so ids are
// never reused while the hub lives
func (h *Hub) newSessionID() string {
	return fmt.Sprintf("ws_%d_%s", h.seq.Add(1), uuid.NewString()[:8])
}

// Register assigns a session id to the client and starts its turn runner
func (h *Hub) Register(c *Client) string {
	id := h.newSessionID()
	c.id = id
	c.session = entities.NewSession(id)
	c.logger = c.logger.With(zap.String("sessionID", id))
	c.runner = usecase.NewTurnRunner(h.executor, &sessionEmitter{hub: h, sessionID: id}, h.cfg.QueueSize, c.logger)

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	h.logger.Info("Client registered", zap.String("sessionID", id))
	return id
}

// Lookup returns the live client for a session id
func (h *Hub) Lookup(sessionID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[sessionID]
	return c, ok
}

// Remove drops the session and cancels its in-flight turn. Safe to call more than once.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	c, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.shutdown()
	h.logger.Info("Client unregistered",
		zap.String("sessionID", sessionID),
		zap.Int("turns", c.turns()),
		zap.Duration("connected", time.Since(c.session.CreatedAt)))
}

// Count returns the number of live sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActiveSessions returns the live session ids in sorted order
func (h *Hub) ActiveSessions() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close removes every session
func (h *Hub) Close() {
	for _, id := range h.ActiveSessions() {
		h.Remove(id)
	}
}

// Deliver routes one message to a session. Messages for removed sessions are
// dropped with a warning.
func (h *Hub) Deliver(sessionID, msgType string, data any) error {
	c, ok := h.Lookup(sessionID)
	if !ok {
		h.logger.Warn("Dropping message for removed session",
			zap.String("sessionID", sessionID),
			zap.String("type", msgType))
		return ErrSessionNotFound
	}
	return c.Emit(msgType, data)
}

// sessionEmitter resolves the connection on every emit so a turn never
// writes to a connection that has been replaced or removed
type sessionEmitter struct {
	hub       *Hub
	sessionID string
}

func (e *sessionEmitter) Emit(msgType string, data any) error {
	return e.hub.Deliver(e.sessionID, msgType, data)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames. Never closed; done signals shutdown.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	id      string
	runner  *usecase.TurnRunner
	logger  *zap.Logger
	mu      sync.Mutex
	session *entities.Session
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ID returns the session id assigned at registration
func (c *Client) ID() string {
	return c.id
}

// Emit queues one enveloped frame for the write pump
func (c *Client) Emit(msgType string, data any) error {
	payload, err := NewEnvelope(msgType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	}
}

func (c *Client) turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Turns
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.runner.Close()
	})
}

// HandleWebSocket upgrades the request and serves the session until the peer goes away
func HandleWebSocket(hub *Hub, c echo.Context, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, logger)
	id := hub.Register(client)

	// The connected frame is queued before the pumps start so it is always first
	if err := client.Emit(domain.MessageTypeConnected, domain.ConnectedMessage{SessionID: id}); err != nil {
		client.logger.Error("Failed to queue connected message", zap.Error(err))
	}

	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the turn runner.
func (c *Client) readPump() {
	defer func() {
		c.hub.Remove(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text frame", zap.Int("type", messageType))
			continue
		}
		c.processMessage(message)
	}
}

// writePump pumps frames from the send channel to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// processMessage handles one client frame
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid client message", zap.Error(err))
		c.emitError("", err.Error(), domain.StageMessageParsing)
		return
	}

	switch m := msg.(type) {
	case *domain.TwinChatMessage:
		err := c.runner.Submit(usecase.Turn{SessionID: c.id, Chat: *m})
		c.mu.Lock()
		if err == nil {
			c.session.StartTurn()
		} else {
			c.session.Touch()
		}
		c.mu.Unlock()

		// A busy rejection is written from the read side, so it may land
		// between the running turn's audio_chunk frames.
		switch {
		case errors.Is(err, usecase.ErrSessionBusy):
			c.logger.Warn("Rejecting turn, session busy", zap.String("digitalTwinId", m.DigitalTwinID))
			c.emitError(m.DigitalTwinID, "session busy: previous turns still in progress", "")
		case err != nil:
			c.logger.Warn("Failed to submit turn", zap.Error(err))
		}

	case *PingMessage:
		c.mu.Lock()
		c.session.Touch()
		c.mu.Unlock()
		if err := c.Emit(domain.MessageTypePong, PongMessage{Data: m.Data}); err != nil {
			c.logger.Debug("Failed to queue pong", zap.Error(err))
		}
	}
}

func (c *Client) emitError(twinID, message, stage string) {
	if err := c.Emit(domain.MessageTypeError, domain.ErrorMessage{
		ErrorCode:     domain.ErrorCodeMessageProcessing,
		DigitalTwinID: twinID,
		Message:       message,
		Stage:         stage,
	}); err != nil {
		c.logger.Debug("Failed to queue error message", zap.Error(err))
	}
}
