// Package ops exposes the optional operational HTTP surface: health
// and status. Off unless a listen address is configured.
package ops

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-warchest/internal/health"
)

// Server runs the ops HTTP endpoints.
type Server struct {
	app     *fiber.App
	checker *health.Checker
	addr    string
}

// NewServer creates the ops server bound to addr.
func NewServer(addr string, checker *health.Checker) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{app: app, checker: checker, addr: addr}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	s.app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
			"health":    s.checker.Report(),
		})
	})
}

// Start serves until Shutdown. Run it from a goroutine.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("ops server listening")
	return s.app.Listen(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
