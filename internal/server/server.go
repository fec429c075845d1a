package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/streamgate/internal/config"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/pscheid92/streamgate/internal/stream"
	goredis "github.com/redis/go-redis/v9"
)

// redisHealthChecker is the minimal Redis surface the readiness probe needs.
type redisHealthChecker interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// postgresHealthChecker is the minimal database surface the readiness probe
// needs. pgxpool.Pool satisfies it.
type postgresHealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo          *echo.Echo
	config        *config.Config
	stream        *stream.Server
	authenticator domain.Authenticator
	principals    domain.PrincipalStore
	limits        *ConnectionLimits
	redisHealth   redisHealthChecker
	dbHealth      postgresHealthChecker
	startTime     time.Time
}

func NewServer(cfg *config.Config, streamSrv *stream.Server, authenticator domain.Authenticator, principals domain.PrincipalStore, redisHealth redisHealthChecker, dbHealth postgresHealthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:          e,
		config:        cfg,
		stream:        streamSrv,
		authenticator: authenticator,
		principals:    principals,
		limits:        NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		redisHealth:   redisHealth,
		dbHealth:      dbHealth,
		startTime:     time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
