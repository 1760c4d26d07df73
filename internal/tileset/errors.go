package tileset

import (
	"github.com/pkg/errors"

	"cartotiler/internal/encoder"
)

var (
	// ErrBuildInProgress is returned when a build is requested for a project
	// that already has one queued or running.
	ErrBuildInProgress = errors.New("a build is already running for this project")
	// ErrClosed is returned once the scheduler has been shut down.
	ErrClosed = errors.New("build scheduler is shut down")
)

// ValidationError is a request the builder refuses before running the engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// IsBuildFailure reports whether err is an engine-side failure: engine
// unavailable, non-zero exit, or timeout.
func IsBuildFailure(err error) bool {
	var encErr *encoder.Error
	return errors.As(err, &encErr) || errors.Is(err, encoder.ErrUnavailable) || errors.Is(err, encoder.ErrTimeout)
}

func resultLabel(err error) string {
	var verr *ValidationError
	var encErr *encoder.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrBuildInProgress), errors.Is(err, ErrClosed):
		return "rejected"
	case errors.Is(err, encoder.ErrTimeout):
		return "timeout"
	case errors.Is(err, encoder.ErrUnavailable):
		return "unavailable"
	case errors.As(err, &encErr):
		return "encoding_failed"
	}
	return "failed"
}
