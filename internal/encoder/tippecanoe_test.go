//go:build unix

package encoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nullLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// writeEngine installs a fake engine script and returns its path.
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tippecanoe")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const writeOutput = `
while [ $# -gt 0 ]; do
	case "$1" in
		--output) out="$2"; shift ;;
	esac
	shift
done
printf 'archive' > "$out"
`

func TestArgs(t *testing.T) {
	tip := NewTippecanoe("", []string{"--no-tile-size-limit"}, nullLogger())
	args := tip.Args(Request{
		Input:     "/data/temp/in.geojson",
		Output:    "/data/tilesets/.p1.tmp.mbtiles",
		MinZoom:   0,
		MaxZoom:   18,
		LayerName: "map-p1",
	})
	assert.Equal(t, []string{
		"--output", "/data/tilesets/.p1.tmp.mbtiles",
		"--minimum-zoom", "0",
		"--maximum-zoom", "18",
		"--layer", "map-p1",
		"--force",
		"--drop-densest-as-needed",
		"--extend-zooms-if-still-dropping",
		"--no-tile-size-limit",
		"/data/temp/in.geojson",
	}, args)
	assert.Equal(t, DefaultEngine, tip.path)
}

func TestEncode(t *testing.T) {
	ctx := context.Background()

	t.Run("when the engine succeeds", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.mbtiles")
		tip := NewTippecanoe(writeEngine(t, writeOutput), nil, nullLogger())

		err := tip.Encode(ctx, Request{Input: "in.geojson", Output: out, MaxZoom: 14, LayerName: "l"})
		require.NoError(t, err)
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "archive", string(data))
	})

	t.Run("when the engine exits non-zero", func(t *testing.T) {
		tip := NewTippecanoe(writeEngine(t, "echo 'in.geojson:1: Reached EOF without all containers being closed' >&2\nexit 3\n"), nil, nullLogger())

		err := tip.Encode(ctx, Request{Input: "in.geojson", Output: "out.mbtiles"})
		var encErr *Error
		require.True(t, errors.As(err, &encErr), "got %v", err)
		assert.Equal(t, 3, encErr.ExitCode)
		assert.Equal(t, "in.geojson:1: Reached EOF without all containers being closed\n", encErr.Stderr)
		assert.Contains(t, err.Error(), "Reached EOF")
	})

	t.Run("when the engine is missing", func(t *testing.T) {
		tip := NewTippecanoe(filepath.Join(t.TempDir(), "no-such-engine"), nil, nullLogger())

		err := tip.Encode(ctx, Request{Input: "in.geojson", Output: "out.mbtiles"})
		assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
	})

	t.Run("when the engine is not on PATH", func(t *testing.T) {
		tip := NewTippecanoe("cartotiler-no-such-engine", nil, nullLogger())

		err := tip.Encode(ctx, Request{Input: "in.geojson", Output: "out.mbtiles"})
		assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
	})

	t.Run("when the engine is not executable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tippecanoe")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o644))
		tip := NewTippecanoe(path, nil, nullLogger())

		err := tip.Encode(ctx, Request{Input: "in.geojson", Output: "out.mbtiles"})
		assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
	})

	t.Run("when the engine outlives its deadline", func(t *testing.T) {
		// the child sleep keeps stderr open unless the whole group is killed
		tip := NewTippecanoe(writeEngine(t, "echo 'Read 1.00 million features' >&2\nsleep 30 &\nwait\n"), nil, nullLogger())
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := tip.Encode(ctx, Request{Input: "in.geojson", Output: "out.mbtiles"})
		assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
		assert.Less(t, time.Since(start), waitDelay)
	})
}

func TestVersion(t *testing.T) {
	tip := NewTippecanoe(writeEngine(t, "echo 'tippecanoe v2.53.0' >&2\n"), nil, nullLogger())
	v, err := tip.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tippecanoe v2.53.0", v)

	tip = NewTippecanoe(filepath.Join(t.TempDir(), "missing"), nil, nullLogger())
	_, err = tip.Version(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("ab"))
	b.Write([]byte("cdef"))
	assert.Equal(t, "cdef", b.String())
	b.Write([]byte("g"))
	assert.Equal(t, "defg", b.String())
}
