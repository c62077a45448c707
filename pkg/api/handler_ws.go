package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/magfest/sideboard/pkg/ws"
)

// wsHandler handles GET /ws: origin-checked, optionally authenticated
// upgrade for browser clients. Blocks until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	user := extractUser(c)
	if s.cfg.AuthRequired && user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	s.hub.HandleConnection(c.Request().Context(), ws.NewConn(conn), user)
	return nil
}

// wsrpcHandler handles GET /wsrpc: machine-to-machine upgrade
// authenticated by the mutual-TLS peer certificate's common name.
func (s *Server) wsrpcHandler(c *echo.Context) error {
	tlsState := c.Request().TLS
	if tlsState == nil || len(tlsState.PeerCertificates) == 0 {
		return echo.NewHTTPError(http.StatusForbidden, "client certificate required")
	}
	user := tlsState.PeerCertificates[0].Subject.CommonName

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.hub.HandleConnection(c.Request().Context(), ws.NewConn(conn), user)
	return nil
}
