// Package encodertest provides an in-process encoder.Encoder for tests.
package encodertest

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"cartotiler/internal/archive/archivetest"
	"cartotiler/internal/encoder"
)

// Encoder writes one tile per feature and zoom, at the tile holding the
// feature's point (or the center of its bound). Payloads are the gzipped
// properties of the features falling in the tile, so output is deterministic.
type Encoder struct {
	// Gate, when set, blocks every Encode until it is closed or ctx ends.
	Gate chan struct{}
	// Err, when set, is returned instead of writing an archive.
	Err error
	// Garbage makes Encode write a file that is not an archive.
	Garbage bool

	mu       sync.Mutex
	requests []encoder.Request
	started  chan struct{}
}

// Started returns a channel receiving a value each time Encode begins.
func (e *Encoder) Started() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started == nil {
		e.started = make(chan struct{}, 16)
	}
	return e.started
}

// Requests returns the requests seen so far.
func (e *Encoder) Requests() []encoder.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]encoder.Request(nil), e.requests...)
}

// Encode implements encoder.Encoder.
func (e *Encoder) Encode(ctx context.Context, req encoder.Request) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	started := e.started
	e.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return encoder.ErrTimeout
			}
			return ctx.Err()
		}
	}
	if e.Err != nil {
		return e.Err
	}
	if e.Garbage {
		return os.WriteFile(req.Output, []byte("tippecanoe: half written"), 0o644)
	}

	data, err := os.ReadFile(req.Input)
	if err != nil {
		return &encoder.Error{ExitCode: 1, Stderr: err.Error()}
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return &encoder.Error{ExitCode: 1, Stderr: err.Error()}
	}

	grouped := make(map[maptile.Tile][]map[string]interface{})
	var order []maptile.Tile
	for z := req.MinZoom; z <= req.MaxZoom; z++ {
		for _, f := range fc.Features {
			if f.Geometry == nil {
				continue
			}
			t := maptile.At(f.Geometry.Bound().Center(), maptile.Zoom(z))
			if _, ok := grouped[t]; !ok {
				order = append(order, t)
			}
			grouped[t] = append(grouped[t], f.Properties)
		}
	}
	tiles := archivetest.Tiles{}
	for _, t := range order {
		payload, err := json.Marshal(grouped[t])
		if err != nil {
			return err
		}
		tiles[t] = archivetest.Gzip(payload)
	}

	md := map[string]string{
		"name":    req.LayerName,
		"minzoom": strconv.Itoa(req.MinZoom),
		"maxzoom": strconv.Itoa(req.MaxZoom),
		"json":    `{"vector_layers":[{"id":"` + req.LayerName + `"}]}`,
	}
	return archivetest.WriteFile(req.Output, md, tiles)
}

// Version implements encoder.Encoder.
func (e *Encoder) Version(ctx context.Context) (string, error) {
	if e.Err != nil {
		return "", e.Err
	}
	return "encodertest", nil
}
