package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/adapters/tts"
	"github.com/satriahrh/twinvoice/internal/websocket"
)

const (
	serviceName  = "twinvoice"
	checkTimeout = 2 * time.Second
)

// ReadinessCheck is one dependency probed by /readyz
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// VoiceLister is implemented by synthesis providers that can enumerate voices
type VoiceLister interface {
	Voices(ctx context.Context) ([]tts.Voice, error)
}

// Options carries the optional collaborators of the HTTP surface
type Options struct {
	// Metrics serves /metrics when set
	Metrics http.Handler
	Checks  []ReadinessCheck
	// Voices serves /api/v1/voices when set
	Voices VoiceLister
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, opts Options, logger *zap.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: serviceName})
	})

	e.GET("/readyz", func(c echo.Context) error {
		return readiness(c, opts.Checks, logger)
	})

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	v1 := e.Group("/api/v1")
	v1.GET("/sessions", func(c echo.Context) error {
		sessions := hub.ActiveSessions()
		return c.JSON(http.StatusOK, SessionsResponse{Count: len(sessions), Sessions: sessions})
	})
	if opts.Voices != nil {
		v1.GET("/voices", func(c echo.Context) error {
			return listVoices(c, opts.Voices, logger)
		})
	}

	e.GET("/ws", func(c echo.Context) error {
		return websocket.HandleWebSocket(hub, c, logger)
	})
}

func readiness(c echo.Context, checks []ReadinessCheck, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	status := http.StatusOK
	for _, check := range checks {
		if err := check.Check(ctx); err != nil {
			logger.Warn("Readiness check failed", zap.String("check", check.Name), zap.Error(err))
			resp.Checks[check.Name] = err.Error()
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[check.Name] = "ok"
	}
	return c.JSON(status, resp)
}

func listVoices(c echo.Context, lister VoiceLister, logger *zap.Logger) error {
	voices, err := lister.Voices(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list voices", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "voices_unavailable",
			Message: "Failed to list voices from the synthesis provider",
		})
	}
	return c.JSON(http.StatusOK, VoicesResponse{Default: tts.DefaultVoiceID, Voices: voices})
}
