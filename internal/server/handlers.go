package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/streamgate/internal/domain"
	apperrors "github.com/pscheid92/streamgate/internal/errors"
	"github.com/pscheid92/streamgate/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Clients connect from arbitrary origins
	},
}

// handleStreaming is the general streaming handshake: limits, optional
// authentication, upgrade, then the blocking read pump.
func (s *Server) handleStreaming(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.HandshakesTotal.WithLabelValues("general", "rejected").Inc()
		return s.errorResponse(c, apperrors.TooManyRequestsError("connection limit reached"))
	}
	released := false
	defer func() {
		if !released {
			s.limits.Release(ip)
		}
	}()

	principal, err := s.resolvePrincipal(c)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("general", "rejected").Inc()
		return s.errorResponse(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("general", "error").Inc()
		return nil
	}
	metrics.HandshakesTotal.WithLabelValues("general", "accepted").Inc()

	conn := s.stream.Attach(ws, principal)

	// Blocks until the client goes away.
	s.stream.ServeConn(conn)

	s.limits.Release(ip)
	released = true
	return nil
}

// resolvePrincipal authenticates the handshake credential. No credential
// means an anonymous connection, allowed only when configured.
func (s *Server) resolvePrincipal(c echo.Context) (*domain.Principal, error) {
	credential, token := extractAuthInputs(c)
	if credential == "" {
		if !s.config.AllowAnonymous {
			return nil, apperrors.UnauthorizedError("credential required")
		}
		return nil, nil
	}

	principal, err := s.authenticator.Authenticate(c.Request().Context(), credential, token)
	if errors.Is(err, domain.ErrAuthenticationFailed) {
		return nil, apperrors.UnauthorizedError("invalid credential")
	}
	if err != nil {
		slog.Error("Authenticator unavailable", "error", err)
		return nil, apperrors.ExternalError("authentication service unavailable", err)
	}

	return principal, nil
}

// extractAuthInputs reads the bearer credential from the Authorization
// header and the optional short-lived token from the query string. Browser
// WebSocket clients cannot set headers; without a header the query token
// doubles as the credential.
func extractAuthInputs(c echo.Context) (credential, token string) {
	token = c.QueryParam("token")

	header := c.Request().Header.Get("Authorization")
	if after, found := strings.CutPrefix(header, "Bearer "); found {
		return after, token
	}
	return token, ""
}

// handleLive is the live-session handshake. Everything is validated before
// the upgrade: the token must decode, must match the stream in the path,
// must be within its lifetime, and must belong to a known principal.
func (s *Server) handleLive(c echo.Context) error {
	ip := c.RealIP()
	streamID := c.Param("streamID")

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.HandshakesTotal.WithLabelValues("live", "rejected").Inc()
		return s.errorResponse(c, apperrors.TooManyRequestsError("connection limit reached"))
	}
	released := false
	defer func() {
		if !released {
			s.limits.Release(ip)
		}
	}()

	principal, err := s.validateLiveToken(c, streamID)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("live", "rejected").Inc()
		return s.errorResponse(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("live", "error").Inc()
		return nil
	}
	metrics.HandshakesTotal.WithLabelValues("live", "accepted").Inc()

	// Blocks for the lifetime of the live session.
	s.stream.HandleLive(c.Request().Context(), ws, principal, streamID)

	s.limits.Release(ip)
	released = true
	return nil
}

func (s *Server) validateLiveToken(c echo.Context, streamID string) (*domain.Principal, error) {
	raw := c.QueryParam("token")
	if raw == "" {
		return nil, apperrors.ValidationError("live token required")
	}

	token, err := domain.DecodeLiveToken(raw)
	if err != nil {
		return nil, apperrors.ValidationError("malformed live token")
	}

	// Scope before age: a token for the wrong stream is rejected as such
	// even when it is also expired.
	if token.StreamID != streamID {
		return nil, apperrors.ForbiddenError("live token is for a different stream")
	}

	if token.Expired(time.Now()) {
		return nil, apperrors.ForbiddenError("live token expired")
	}

	principal, err := s.principals.GetByID(c.Request().Context(), token.UserID)
	if errors.Is(err, domain.ErrPrincipalNotFound) {
		return nil, apperrors.ForbiddenError("unknown principal")
	}
	if err != nil {
		slog.Error("Principal lookup failed", "user_id", token.UserID, "error", err)
		return nil, apperrors.InternalError("failed to resolve principal", err)
	}

	return principal, nil
}

func (s *Server) errorResponse(c echo.Context, err error) error {
	structured := apperrors.AsStructuredError(err)
	return c.JSON(structured.HTTPStatus(), structured.ToResponse())
}
