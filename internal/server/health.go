package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

// Check states, from best to worst.
const (
	statusOK       = "ok"
	statusWarning  = "warning"
	statusDegraded = "degraded"
	statusError    = "error"
)

const engineProbeTimeout = 5 * time.Second

type health struct {
	Status    string        `json:"status"`
	Service   string        `json:"service"`
	Version   string        `json:"version,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    *healthChecks `json:"checks,omitempty"`
}

type healthChecks struct {
	Engine      engineCheck       `json:"engine"`
	Directories map[string]string `json:"directories"`
}

type engineCheck struct {
	Status    string `json:"status"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, health{
		Status:    statusOK,
		Service:   ServiceName,
		Version:   s.cfg.Version,
		Timestamp: time.Now().UTC(),
	})
}

// handleHealthDetailed probes the engine and the working directories. An
// unusable engine or temp directory is an error (503); a read-only store
// still serves tiles and only degrades the service.
func (s *Server) handleHealthDetailed(c echo.Context) error {
	checks := &healthChecks{
		Engine: s.checkEngine(c.Request().Context()),
		Directories: map[string]string{
			"temp":  writable(s.scheduler.Builder().TempDir(), statusError),
			"store": writable(s.reader.Store().Dir(), statusWarning),
		},
	}

	status := statusOK
	states := []string{checks.Engine.Status}
	for _, st := range checks.Directories {
		states = append(states, st)
	}
	for _, st := range states {
		switch {
		case st == statusError:
			status = statusError
		case st == statusWarning && status == statusOK:
			status = statusDegraded
		}
	}

	code := http.StatusOK
	if status == statusError {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health{
		Status:    status,
		Service:   ServiceName,
		Version:   s.cfg.Version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

func (s *Server) checkEngine(ctx context.Context) engineCheck {
	ctx, cancel := context.WithTimeout(ctx, engineProbeTimeout)
	defer cancel()
	version, err := s.scheduler.Builder().Encoder().Version(ctx)
	if err != nil {
		return engineCheck{Status: statusError, Error: err.Error()}
	}
	return engineCheck{Status: statusOK, Available: true, Version: version}
}

// writable reports ok if a file can be created in dir, failure otherwise.
func writable(dir, failure string) string {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return failure
	}
	f.Close()
	os.Remove(f.Name())
	return statusOK
}
