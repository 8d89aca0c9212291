package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config holds NATS connection settings
type Config struct {
	URL            string
	Name           string
	Token          string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
}

// Client wraps a NATS connection with JSON helpers.
// One client is shared by every component of a process.
type Client struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS and blocks until the connection is established or ctx
// is done. Failed initial attempts are retried in the background.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS url configured")
	}
	if cfg.Name == "" {
		cfg.Name = "twinvoice"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = time.Second
	}

	connected := make(chan struct{}, 1)
	options := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(*nats.Conn) {
			select {
			case connected <- struct{}{}:
			default:
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	if !conn.IsConnected() {
		logger.Info("Waiting for NATS connection", zap.String("url", cfg.URL))
		select {
		case <-connected:
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("connect to nats: %w", ctx.Err())
		}
	}

	logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &Client{conn: conn, logger: logger}, nil
}

// Publish encodes v as JSON and publishes it on subject
func (c *Client) Publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishRaw publishes an already encoded payload. Payloads over the
// server's max payload fail with nats.ErrMaxPayload.
func (c *Client) PublishRaw(subject string, payload []byte) error {
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject to handler
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe delivers each message on subject to one member of queue
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits until the server has processed everything published so far.
// A ctx without a deadline is bounded by nats.DefaultTimeout.
func (c *Client) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// MaxPayload returns the largest message the connected server accepts
func (c *Client) MaxPayload() int64 {
	return c.conn.MaxPayload()
}

// Healthy reports whether the connection is currently up
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Conn exposes the underlying connection
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains subscriptions and closes the connection
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.logger.Info("Closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", zap.Error(err))
	}
	c.conn.Close()
}
