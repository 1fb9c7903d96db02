// Package transport is the client-facing edge: the fiber HTTP server, the
// WebSocket endpoint browsers speak the event envelope over, and the rate
// limiting and sanitization applied to everything inbound.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voximetry/voximetry/internal/config"
	"github.com/voximetry/voximetry/internal/health"
	"github.com/voximetry/voximetry/internal/observe"
	"github.com/voximetry/voximetry/internal/session"
)

const (
	defaultMessagesPerSecond = 100
	defaultConnectsPerMinute = 30
)

// sessionHandle is the slice of the orchestrator the connection drives.
type sessionHandle interface {
	ID() string
	HandleAudio(pcm []byte)
	End(ctx context.Context, reason string)
	Touch()
	Done() <-chan struct{}
}

// startFunc launches a session for one connection. Tests substitute a fake.
type startFunc func(ctx context.Context, params session.StartParams, sink session.Sink) (sessionHandle, error)

// Server is the downstream transport.
type Server struct {
	cfg     *config.Config
	app     *fiber.App
	start   startFunc
	msgs    *WindowLimiter
	conns   *ConnectLimiter
	metrics *observe.Metrics
	ready   *health.Handler
	log     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithMetrics attaches HTTP metrics middleware.
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithReadiness mounts /readyz backed by the given checks.
func WithReadiness(h *health.Handler) ServerOption {
	return func(s *Server) { s.ready = h }
}

// withStartFunc substitutes session creation for tests.
func withStartFunc(fn startFunc) ServerOption {
	return func(s *Server) { s.start = fn }
}

// NewServer wires routes, CORS, and limiters around the session manager.
func NewServer(cfg *config.Config, manager *session.Manager, opts ...ServerOption) *Server {
	msgCap := cfg.Limits.MessagesPerSecond
	if msgCap <= 0 {
		msgCap = defaultMessagesPerSecond
	}
	connCap := cfg.Limits.ConnectsPerMinute
	if connCap <= 0 {
		connCap = defaultConnectsPerMinute
	}

	s := &Server{
		cfg:   cfg,
		msgs:  NewWindowLimiter(msgCap),
		conns: NewConnectLimiter(connCap),
		log:   slog.Default(),
	}
	if manager != nil {
		s.start = func(ctx context.Context, params session.StartParams, sink session.Sink) (sessionHandle, error) {
			return manager.Start(ctx, params, sink)
		}
	}
	for _, o := range opts {
		o(s)
	}

	app := fiber.New(fiber.Config{
		AppName:               "voximetry",
		DisableStartupMessage: true,
	})

	app.Use(cors.New(s.corsConfig()))
	if s.metrics != nil {
		app.Use(observe.Middleware(s.metrics))
	}

	app.Get("/healthz", s.handleHealth)
	app.Get("/readyz", s.handleReady)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !s.conns.Allow(c.IP()) {
			s.log.Warn("connection rate limited", "ip", c.IP())
			return fiber.ErrTooManyRequests
		}
		c.Locals("client_ip", c.IP())
		return c.Next()
	})
	app.Get("/ws", websocket.New(s.handleWS))

	s.app = app
	return s
}

func (s *Server) corsConfig() cors.Config {
	if s.cfg.Server.Environment == config.EnvDevelopment {
		return cors.Config{
			AllowOriginsFunc: func(string) bool { return true },
			AllowMethods:     "GET,POST,OPTIONS",
			AllowCredentials: true,
			MaxAge:           86400,
		}
	}
	return cors.Config{
		AllowOrigins:     strings.Join(s.cfg.Server.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleReady(c *fiber.Ctx) error {
	if s.ready == nil {
		return c.JSON(health.Report{Status: "ok"})
	}
	report := s.ready.Evaluate(c.Context())
	if !report.OK() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on the configured address until shutdown.
func (s *Server) Listen() error {
	addr := s.cfg.Server.ListenAddr
	s.log.Info("listening", "addr", addr)
	if err := s.app.Listen(addr); err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops accepting connections and drains handlers, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
