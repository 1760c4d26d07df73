// Package encoder turns a GeoJSON file into an MBTiles archive by running an
// external tiling engine. Callers depend on the Encoder interface so the engine
// can be replaced without touching the build pipeline.
package encoder

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable is returned when the engine executable cannot be started.
	ErrUnavailable = errors.New("encoding engine unavailable")
	// ErrTimeout is returned when the engine ran past its deadline and was killed.
	ErrTimeout = errors.New("encoding engine timed out")
)

// Error is a non-zero exit of the engine. Stderr holds what the engine wrote,
// verbatim, for the caller's diagnostics.
type Error struct {
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("encoding engine exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Request describes one encoding run.
type Request struct {
	Input     string // GeoJSON file
	Output    string // archive to create, overwritten if present
	MinZoom   int
	MaxZoom   int
	LayerName string
}

// Encoder produces an archive at req.Output from req.Input.
type Encoder interface {
	Encode(ctx context.Context, req Request) error
	Version(ctx context.Context) (string, error)
}
