package encoder

import (
	"bytes"
	"context"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultEngine is the executable looked up on PATH when no path is configured.
const DefaultEngine = "tippecanoe"

// stderrLimit bounds the captured stderr. The engine reports progress on
// stderr, so long runs keep only the tail, which is where failures are printed.
const stderrLimit = 64 << 10

// waitDelay is how long Wait lingers for output pipes after the process group
// has been killed.
const waitDelay = 5 * time.Second

// Tippecanoe runs the tippecanoe command line tool.
type Tippecanoe struct {
	path      string
	extraArgs []string
	logger    logrus.FieldLogger
}

// NewTippecanoe returns an encoder running the executable at path, or
// DefaultEngine when path is empty. extraArgs are appended before the input file.
func NewTippecanoe(path string, extraArgs []string, logger logrus.FieldLogger) *Tippecanoe {
	if path == "" {
		path = DefaultEngine
	}
	return &Tippecanoe{path: path, extraArgs: extraArgs, logger: logger}
}

// Args returns the command line for req.
func (t *Tippecanoe) Args(req Request) []string {
	args := []string{
		"--output", req.Output,
		"--minimum-zoom", strconv.Itoa(req.MinZoom),
		"--maximum-zoom", strconv.Itoa(req.MaxZoom),
		"--layer", req.LayerName,
		"--force",
		"--drop-densest-as-needed",
		"--extend-zooms-if-still-dropping",
	}
	args = append(args, t.extraArgs...)
	return append(args, req.Input)
}

// Encode runs the engine and waits for it. When ctx ends first the whole
// process group is killed.
func (t *Tippecanoe) Encode(ctx context.Context, req Request) error {
	args := t.Args(req)
	t.logger.WithField("args", strings.Join(args, " ")).Info("starting encoding engine")

	stderr := &tailBuffer{limit: stderrLimit}
	cmd := t.command(ctx, args...)
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		t.logger.WithField("output", req.Output).
			WithField("took", time.Since(start).Round(time.Millisecond)).
			Info("encoding engine finished")
		return nil
	}
	return t.classify(ctx, err, stderr.String())
}

// Version runs the engine with --version. Tippecanoe prints it on stderr.
func (t *Tippecanoe) Version(ctx context.Context) (string, error) {
	var out bytes.Buffer
	cmd := t.command(ctx, "--version")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", t.classify(ctx, err, out.String())
	}
	v := strings.TrimSpace(out.String())
	if v == "" {
		v = "unknown"
	}
	return v, nil
}

func (t *Tippecanoe) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.path, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	return cmd
}

func (t *Tippecanoe) classify(ctx context.Context, err error, stderr string) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		t.logger.WithField("stderr", stderr).Error("encoding engine timed out and was killed")
		if tail := strings.TrimSpace(stderr); tail != "" {
			return errors.Wrapf(ErrTimeout, "engine output: %s", tail)
		}
		return ErrTimeout
	case context.Canceled:
		return errors.Wrap(ctx.Err(), "encoding engine canceled")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		t.logger.WithField("code", exitErr.ExitCode()).WithField("stderr", stderr).Error("encoding engine failed")
		return &Error{ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		t.logger.WithError(err).Error("unable to start encoding engine")
		return errors.Wrapf(ErrUnavailable, "%s: %v", t.path, err)
	}
	return errors.Wrap(err, "run encoding engine")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
