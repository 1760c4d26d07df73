// Package server exposes tiles and tileset builds over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"cartotiler/internal/archive"
	"cartotiler/internal/tileset"
)

// ServiceName is reported by the health endpoints.
const ServiceName = "cartotiler"

// DefaultTileURL is the template advertised for each project by /projects.
const DefaultTileURL = "/tiles/{project}/{z}/{x}/{y}.pbf"

// Config holds the HTTP settings.
type Config struct {
	Addr          string
	ReadTimeout   time.Duration // tile reads and request headers
	CacheMaxAge   int
	MaxBodySize   string // JSON bodies, e.g. "50M"
	MaxUploadSize string // multipart uploads, e.g. "100M"
	TileURL       string
	Version       string
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":3003"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 3600
	}
	if c.MaxBodySize == "" {
		c.MaxBodySize = "50M"
	}
	if c.MaxUploadSize == "" {
		c.MaxUploadSize = "100M"
	}
	if c.TileURL == "" {
		c.TileURL = DefaultTileURL
	}
}

// Server is the HTTP front of the tile store and the build scheduler.
type Server struct {
	cfg       Config
	echo      *echo.Echo
	reader    *archive.Reader
	scheduler *tileset.Scheduler
	registry  *prometheus.Registry
	logger    logrus.FieldLogger
}

// New wires middleware and routes. HTTP metrics are registered on reg and
// served from /metrics along with whatever else reg holds.
func New(cfg Config, reader *archive.Reader, scheduler *tileset.Scheduler, reg *prometheus.Registry, logger logrus.FieldLogger) (*Server, error) {
	cfg.setDefaults()
	s := &Server{
		cfg:       cfg,
		echo:      echo.New(),
		reader:    reader,
		scheduler: scheduler,
		registry:  reg,
		logger:    logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	// only headers are bounded here: upload bodies may take longer than a tile read
	s.echo.Server.ReadHeaderTimeout = cfg.ReadTimeout

	if err := s.setupMiddleware(); err != nil {
		return nil, err
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() error {
	e := s.echo
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Status >= http.StatusInternalServerError {
				entry.Warn("request failed")
			} else {
				entry.Debug("request")
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.CORS())

	metrics, err := echoprometheus.MiddlewareConfig{
		Namespace:  "cartotiler",
		Subsystem:  "http",
		Registerer: s.registry,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}.ToMiddleware()
	if err != nil {
		return errors.Wrap(err, "register http metrics")
	}
	e.Use(metrics)
	return nil
}

func (s *Server) setupRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/health/detailed", s.handleHealthDetailed)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: s.registry}))

	// tile reads are bounded; builds are not, they outlive the request anyway
	tiles := e.Group("/tiles", middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
		Timeout: s.cfg.ReadTimeout,
	}))
	tiles.GET("/:project/metadata", s.handleMetadata)
	tiles.GET("/:project/:z/:x/:y", s.handleTile)
	e.GET("/projects", s.handleProjects)

	api := e.Group("/api/tileset")
	api.POST("/generate-from-data", s.handleGenerateFromData, middleware.BodyLimit(s.cfg.MaxBodySize))
	api.POST("/generate", s.handleGenerate, middleware.BodyLimit(s.cfg.MaxUploadSize))
	api.GET("/project/:projectId", s.handleProjectTilesets)
	api.DELETE("/:tilesetId", s.handleDelete)
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Infof("listening on %s", s.cfg.Addr)
	if err := s.echo.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
