package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/magfest/sideboard/pkg/rpc"
	"github.com/magfest/sideboard/pkg/serial"
	"github.com/magfest/sideboard/pkg/ws"
)

// Config holds the HTTP-facing settings.
type Config struct {
	// Debug enables stack traces in JSON-RPC error responses.
	Debug bool

	// AuthRequired rejects /ws upgrades that carry no authenticated user.
	AuthRequired bool

	// AllowedOrigins is the origin allow-list for /ws upgrades. Empty
	// means same-host only.
	AllowedOrigins []string
}

// HealthChecker reports backing-store health for the health endpoint.
type HealthChecker func(ctx context.Context) error

// Server hosts the JSON-RPC endpoint and the websocket upgrade routes.
type Server struct {
	registry *rpc.Registry
	hub      *ws.Hub
	codec    *serial.Registry
	cfg      Config

	// health is optional; nil skips the backing-store check.
	health HealthChecker
}

// NewServer creates the API server.
func NewServer(registry *rpc.Registry, hub *ws.Hub, codec *serial.Registry, cfg Config, health HealthChecker) *Server {
	return &Server{
		registry: registry,
		hub:      hub,
		codec:    codec,
		cfg:      cfg,
		health:   health,
	}
}

// Echo builds the route table.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.POST("/jsonrpc", s.jsonrpcHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/wsrpc", s.wsrpcHandler)
	e.GET("/api/v1/health", s.healthHandler)
	return e
}

// healthHandler handles GET /api/v1/health. Unauthenticated; only this
// process's own components are checked.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]any{
		"websocket_sessions": s.hub.ActiveSessions(),
	}

	if s.health != nil {
		if err := s.health(reqCtx); err != nil {
			status = "unhealthy"
			checks["database"] = err.Error()
		} else {
			checks["database"] = "healthy"
		}
	}

	httpStatus := http.StatusOK
	if status != "healthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}
