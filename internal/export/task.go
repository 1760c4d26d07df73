// Package export writes the tiles of an archive out as a directory tree.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	pb "gopkg.in/cheggaaa/pb.v1"

	"cartotiler/internal/archive"
	"cartotiler/internal/tilecoord"
)

const (
	defaultWorkers = 4
	defaultBufSize = 256
)

// Options configures an export.
type Options struct {
	Dir      string             // output root
	Template tilecoord.Template // file layout under Dir, DefaultTemplate if empty
	Workers  int
	BufSize  int
	// MinZoom and MaxZoom bound the export; a negative MaxZoom means the
	// zoom range of the archive.
	MinZoom int
	MaxZoom int
	// Region, when set, limits the export to tiles covering its geometries.
	Region     orb.Collection
	Checkpoint *Checkpoint
	Progress   bool
}

// Stats counts the outcome of an export.
type Stats struct {
	Written int64
	Skipped int64 // already exported according to the checkpoint
	Missing int64 // in the region but absent from the archive
	Elapsed time.Duration
}

// Task exports one archive.
type Task struct {
	ID      string
	archive *archive.Archive
	opts    Options
	logger  logrus.FieldLogger

	written int64
	skipped int64
	missing int64
}

// NewTask prepares the export of a into opts.Dir.
func NewTask(a *archive.Archive, opts Options, logger logrus.FieldLogger) (*Task, error) {
	if opts.Dir == "" {
		return nil, errors.New("export directory is required")
	}
	if opts.Template == "" {
		opts.Template = tilecoord.DefaultTemplate
	}
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	if opts.BufSize < 1 {
		opts.BufSize = defaultBufSize
	}
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "create export directory %s", opts.Dir)
	}
	id, err := shortid.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "generate task id")
	}
	return &Task{
		ID:      id,
		archive: a,
		opts:    opts,
		logger:  logger.WithField("task", id),
	}, nil
}

// Run exports zoom by zoom and stops at the first error or when ctx ends.
func (t *Task) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	lo, hi, err := t.zoomRange(ctx)
	if err != nil {
		return t.stats(start), err
	}
	for z := lo; z <= hi; z++ {
		if err := t.exportZoom(ctx, z); err != nil {
			return t.stats(start), err
		}
	}
	st := t.stats(start)
	t.logger.Infof("%.3fs finished, %d written, %d skipped, %d missing", st.Elapsed.Seconds(), st.Written, st.Skipped, st.Missing)
	return st, nil
}

func (t *Task) stats(start time.Time) Stats {
	return Stats{
		Written: atomic.LoadInt64(&t.written),
		Skipped: atomic.LoadInt64(&t.skipped),
		Missing: atomic.LoadInt64(&t.missing),
		Elapsed: time.Since(start),
	}
}

func (t *Task) zoomRange(ctx context.Context) (int, int, error) {
	lo, hi := t.opts.MinZoom, t.opts.MaxZoom
	if hi < 0 {
		archLo, archHi, err := t.archive.ZoomRange(ctx)
		if err != nil {
			return 0, 0, err
		}
		hi = archHi
		if lo < archLo {
			lo = archLo
		}
	}
	if lo < 0 {
		lo = 0
	}
	if hi > tilecoord.ZoomMax {
		hi = tilecoord.ZoomMax
	}
	if lo > hi {
		return 0, 0, errors.Errorf("empty zoom range %d-%d", lo, hi)
	}
	return lo, hi, nil
}

func (t *Task) count(ctx context.Context, z int) (int64, error) {
	if t.opts.Region != nil {
		return tilecover.CollectionCount(t.opts.Region, maptile.Zoom(z)), nil
	}
	return t.archive.CountZoom(ctx, z)
}

func (t *Task) exportZoom(ctx context.Context, z int) error {
	count, err := t.count(ctx, z)
	if err != nil {
		return err
	}
	t.logger.Infof("zoom: %d, tiles: %d", z, count)

	bar := pb.New64(count).Prefix(fmt.Sprintf("Zoom %d : ", z))
	bar.SetRefreshRate(time.Second)
	bar.NotPrint = !t.opts.Progress
	bar.Start()
	defer bar.Finish()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Workers)

	var produceErr error
	if t.opts.Region != nil {
		produceErr = t.produceCover(gctx, g, z, bar)
	} else {
		produceErr = t.produceStored(gctx, g, z, bar)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if produceErr != nil {
		return produceErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.Debugf("zoom %d finished", z)
	return nil
}

// produceStored walks the tiles stored at zoom z. Payloads come with the
// rows, so workers never query the archive while the walk holds it.
func (t *Task) produceStored(ctx context.Context, g *errgroup.Group, z int, bar *pb.ProgressBar) error {
	return t.archive.EachZoom(ctx, z, func(tile maptile.Tile, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.skip(tile, bar) {
			return nil
		}
		g.Go(func() error {
			return t.write(tile, data, bar)
		})
		return nil
	})
}

// produceCover walks the tiles covering the region at zoom z and looks each
// one up. The cover channel is drained on cancellation so its goroutine ends.
func (t *Task) produceCover(ctx context.Context, g *errgroup.Group, z int, bar *pb.ProgressBar) error {
	tiles := make(chan maptile.Tile, t.opts.BufSize)
	go tilecover.CollectionChannel(t.opts.Region, maptile.Zoom(z), tiles)

	for tile := range tiles {
		if ctx.Err() != nil || t.skip(tile, bar) {
			continue
		}
		tile := tile // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			data, err := t.archive.Tile(ctx, int(tile.Z), int(tile.X), int(tile.Y))
			if errors.Is(err, archive.ErrNotFound) {
				atomic.AddInt64(&t.missing, 1)
				bar.Increment()
				return nil
			}
			if err != nil {
				return err
			}
			return t.write(tile, data, bar)
		})
	}
	return ctx.Err()
}

func (t *Task) skip(tile maptile.Tile, bar *pb.ProgressBar) bool {
	if t.opts.Checkpoint == nil || !t.opts.Checkpoint.Done(tile) {
		return false
	}
	atomic.AddInt64(&t.skipped, 1)
	bar.Increment()
	return true
}

// write stores the payload as it is in the archive, compressed or not.
func (t *Task) write(tile maptile.Tile, data []byte, bar *pb.ProgressBar) error {
	start := time.Now()
	path := filepath.Join(t.opts.Dir, filepath.FromSlash(t.opts.Template.Expand(tile)))
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Wrapf(err, "create directory for tile %v", tile)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write tile %v", tile)
	}
	if t.opts.Checkpoint != nil {
		t.opts.Checkpoint.MarkDone(tile)
	}
	atomic.AddInt64(&t.written, 1)
	bar.Increment()
	t.logger.Debugf("tile(z:%d, x:%d, y:%d), %dms, %.2f kb", tile.Z, tile.X, tile.Y,
		time.Since(start).Milliseconds(), float32(len(data))/1024.0)
	return nil
}
