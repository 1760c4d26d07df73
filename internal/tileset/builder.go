// Package tileset builds per-project MBTiles archives from GeoJSON and
// publishes them into an archive.Store.
package tileset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"cartotiler/internal/archive"
	"cartotiler/internal/encoder"
)

// MaxZoom is the deepest zoom a build may request.
const MaxZoom = 24

// Default zoom range when a request leaves it out.
const (
	DefaultMinZoom = 0
	DefaultMaxZoom = 14
)

// Request asks for the archive of ProjectID to be (re)built. Exactly one of
// Collection and File is the input. A File with OwnsFile set is removed once
// the build is over, whatever its outcome.
type Request struct {
	ProjectID  string
	LayerName  string
	MinZoom    int
	MaxZoom    int
	Collection *geojson.FeatureCollection
	File       string
	OwnsFile   bool
}

// Validate checks the request before any file is written or the engine runs.
func (r Request) Validate() error {
	switch {
	case r.ProjectID == "":
		return &ValidationError{Field: "projectId", Reason: "is required"}
	case !archive.ValidProjectID(r.ProjectID):
		return &ValidationError{Field: "projectId", Reason: fmt.Sprintf("%q is not a valid project id", r.ProjectID)}
	case r.Collection == nil && r.File == "":
		return &ValidationError{Field: "geojson", Reason: "is required"}
	case r.MinZoom < 0 || r.MinZoom > MaxZoom:
		return &ValidationError{Field: "minZoom", Reason: fmt.Sprintf("must be within [0,%d]", MaxZoom)}
	case r.MaxZoom < 0 || r.MaxZoom > MaxZoom:
		return &ValidationError{Field: "maxZoom", Reason: fmt.Sprintf("must be within [0,%d]", MaxZoom)}
	case r.MinZoom > r.MaxZoom:
		return &ValidationError{Field: "minZoom", Reason: "must not exceed maxZoom"}
	}
	return nil
}

// layerName is the vector layer the client style references, map-{projectId}
// unless the request names one.
func (r Request) layerName() string {
	if r.LayerName != "" {
		return r.LayerName
	}
	return "map-" + r.ProjectID
}

// discard releases the input file when the request will never be built.
func (r Request) discard() {
	if r.OwnsFile && r.File != "" {
		os.Remove(r.File)
	}
}

// Stats describes a published archive.
type Stats struct {
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// Result is the descriptor of a successful build.
type Result struct {
	TilesetID string `json:"tilesetId"`
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Stats     Stats  `json:"stats"`
}

// Builder runs the encoder into a temporary archive and publishes it with an
// atomic rename, so readers see either the previous archive or the new one.
type Builder struct {
	store   *archive.Store
	encoder encoder.Encoder
	tempDir string
	logger  logrus.FieldLogger
	metrics *Metrics
}

// NewBuilder returns a builder writing intermediates under tempDir.
func NewBuilder(store *archive.Store, enc encoder.Encoder, tempDir string, metrics *Metrics, logger logrus.FieldLogger) (*Builder, error) {
	if err := os.MkdirAll(tempDir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "create temp directory %s", tempDir)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Builder{store: store, encoder: enc, tempDir: tempDir, logger: logger, metrics: metrics}, nil
}

// Build encodes the request and publishes the archive of req.ProjectID. It
// never leaves a partial archive at the canonical path and always removes its
// temporary files.
func (b *Builder) Build(ctx context.Context, req Request) (res Result, err error) {
	op := b.metrics.start()
	defer func() { op.end(err) }()

	if req.OwnsFile {
		defer os.Remove(req.File)
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	tilesetID, err := shortid.Generate()
	if err != nil {
		return Result{}, errors.Wrap(err, "generate tileset id")
	}
	logger := b.logger.WithField("project", req.ProjectID).WithField("tileset", tilesetID)

	input := req.File
	if req.Collection != nil {
		input, err = b.writeInput(req.Collection)
		if err != nil {
			return Result{}, err
		}
		defer os.Remove(input)
		if len(req.Collection.Features) > 0 {
			bound := Bound(req.Collection)
			logger = logger.WithField("features", len(req.Collection.Features)).
				WithField("bound", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()))
		}
	}

	tmp, err := b.store.TempPath(req.ProjectID)
	if err != nil {
		return Result{}, err
	}
	published := false
	defer func() {
		if !published {
			os.Remove(tmp)
		}
	}()

	logger.Infof("building tileset, zoom %d-%d", req.MinZoom, req.MaxZoom)
	err = b.encoder.Encode(ctx, encoder.Request{
		Input:     input,
		Output:    tmp,
		MinZoom:   req.MinZoom,
		MaxZoom:   req.MaxZoom,
		LayerName: req.layerName(),
	})
	if err != nil {
		return Result{}, err
	}
	if err := archive.Validate(ctx, tmp); err != nil {
		return Result{}, errors.Wrap(err, "encoding engine produced an unreadable archive")
	}
	if err := b.store.Publish(tmp, req.ProjectID); err != nil {
		return Result{}, err
	}
	published = true

	info, err := b.store.Stat(req.ProjectID)
	if err != nil {
		return Result{}, err
	}
	logger.WithField("size", info.Size).Info("tileset published")
	return Result{
		TilesetID: tilesetID,
		ProjectID: req.ProjectID,
		Path:      b.store.Path(req.ProjectID),
		Stats:     Stats{Size: info.Size, Created: info.Created},
	}, nil
}

// writeInput serializes fc to a fresh file under the temp directory.
func (b *Builder) writeInput(fc *geojson.FeatureCollection) (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", errors.Wrap(err, "generate temp file name")
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return "", errors.Wrap(err, "encode feature collection")
	}
	path := filepath.Join(b.tempDir, id+".geojson")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

// TempDir returns the directory holding build intermediates.
func (b *Builder) TempDir() string {
	return b.tempDir
}

// Encoder returns the engine the builder runs.
func (b *Builder) Encoder() encoder.Encoder {
	return b.encoder
}
