// Package api exposes the migration orchestrator over an echo management API.
// Every response uses the Envelope shape.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/consistency"
	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/migration"
	"github.com/buildpulse/crmsync/internal/progress"
	"github.com/buildpulse/crmsync/internal/schema"
)

const (
	readTimeout   = 30 * time.Second
	writeTimeout  = 60 * time.Second
	idleTimeout   = 120 * time.Second
	bodyLimit     = "2M"
	historyLimit  = 20
	maxHistory    = 200
	apiPathPrefix = "/api/v1"
)

// Orchestrator is the migration surface served by the API. *migration.Orchestrator implements it.
type Orchestrator interface {
	Start(ctx context.Context, objectType string, opts migration.StartOptions) (*migration.Plan, error)
	Pause(ctx context.Context, objectType string) error
	Resume(ctx context.Context, objectType string) (*migration.Plan, error)
	Status(ctx context.Context, objectType string) (*entities.MigrationJob, error)
	Statuses(ctx context.Context) ([]*entities.MigrationJob, error)
	History(ctx context.Context, objectType string, limit int) ([]entities.MigrationJob, error)
	Progress(objectType string) (progress.Snapshot, bool)
	StartAll(opts migration.AllOptions) ([]string, error)
	LastAll() (*migration.AllResult, bool)
	Validate(ctx context.Context, objectType string) (*consistency.Report, error)
	ValidateAll(ctx context.Context, objectTypes []string) (*consistency.Summary, error)
	LastValidation(objectType string) (*consistency.Report, bool)
	SetBatchSize(objectType string, size int) error
	Config() migration.ConfigView
}

// SchemaHook runs after a schema reload succeeds, e.g. to create new target tables
type SchemaHook func(ctx context.Context, registry *schema.Registry) error

// Config wires a Server
type Config struct {
	Settings       *conf.APISettings
	Orchestrator   Orchestrator
	Registry       *schema.Registry
	Metrics        http.Handler // served at /metrics when set
	OnSchemaReload SchemaHook
	Version        string
	Log            logger.Logger
}

// Server is the management HTTP server
type Server struct {
	echo         *echo.Echo
	settings     *conf.APISettings
	orchestrator Orchestrator
	registry     *schema.Registry
	onReload     SchemaHook
	version      string
	log          logger.Logger
	startTime    time.Time
}

// New creates the server and registers its routes
func New(cfg *Config) *Server {
	s := &Server{
		echo:         echo.New(),
		settings:     cfg.Settings,
		orchestrator: cfg.Orchestrator,
		registry:     cfg.Registry,
		onReload:     cfg.OnSchemaReload,
		version:      cfg.Version,
		log:          cfg.Log.Module("api"),
		startTime:    time.Now(),
	}

	s.echo.Logger = logger.NewEchoAdapter(s.log.Module("echo"))
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.httpErrorHandler
	s.echo.Server.ReadTimeout = readTimeout
	s.echo.Server.WriteTimeout = writeTimeout
	s.echo.Server.IdleTimeout = idleTimeout

	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(s.requestLogger())
	s.echo.Use(echomw.BodyLimit(bodyLimit))

	s.echo.GET("/health", s.health)
	if cfg.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}
	s.routes(s.echo.Group(apiPathPrefix))
	return s
}

func (s *Server) routes(g *echo.Group) {
	g.GET("/health", s.health)

	g.GET("/migrations", s.listMigrations)
	g.POST("/migrations/start", s.startAll)
	g.GET("/migrations/all", s.lastAll)
	g.POST("/migrations/validate", s.validateAll)

	m := g.Group("/migrations/:type")
	m.POST("/start", s.startMigration)
	m.POST("/pause", s.pauseMigration)
	m.POST("/resume", s.resumeMigration)
	m.POST("/validate", s.validateMigration)
	m.GET("/status", s.migrationStatus)
	m.GET("/progress", s.migrationProgress)
	m.GET("/history", s.migrationHistory)
	m.GET("/validation", s.lastValidation)

	g.GET("/config", s.getConfig)
	g.PUT("/config/batch-size", s.setBatchSize)

	g.GET("/schema", s.getSchema)
	g.POST("/schema/reload", s.reloadSchema)
}

// Handler returns the root handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on the configured address until Shutdown
func (s *Server) Start() error {
	s.log.Info("management api listening", logger.String("address", s.settings.Listen))
	if err := s.echo.Start(s.settings.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Category(errors.CategoryNetwork).
			Context("address", s.settings.Listen).
			Build()
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return ok(c, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"schemaVersion":  s.registry.Version(),
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// requestLogger logs each request through the module logger
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health"
		},
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.String("request_id", v.RequestID),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	})
}
