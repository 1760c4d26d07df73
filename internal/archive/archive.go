// Package archive reads MBTiles archives: a SQLite file with a
// tiles(zoom_level, tile_column, tile_row, tile_data) table in TMS addressing
// and a metadata(name, value) table.
package archive

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"

	"cartotiler/internal/tilecoord"
)

var (
	// ErrNotFound is returned when an archive or a tile is absent. Sparse
	// coverage is expected, so this is not a failure.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a file exists but is not a readable MBTiles archive.
	ErrCorrupt = errors.New("corrupt archive")
)

// Archive is a read-only handle on one MBTiles file. Published archives are
// never modified in place, so the handle sees a stable snapshot even when the
// project is rebuilt while it is open.
type Archive struct {
	path string
	db   *sql.DB
}

// Open opens the archive at path read-only.
func Open(path string) (*Archive, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.Wrapf(ErrCorrupt, "%s is not a regular file", path)
	}
	db, err := sql.Open("sqlite3", readOnlyDSN(path))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)
	return &Archive{path: path, db: db}, nil
}

// readOnlyDSN builds a SQLite URI for path. The path is escaped so that ?, #
// and % in directory names are not read as URI syntax.
func readOnlyDSN(path string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?mode=ro&immutable=1"
}

// Path returns the file the archive was opened from.
func (a *Archive) Path() string {
	return a.path
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Tile returns the payload of the tile at XYZ address (z, x, y).
func (a *Archive) Tile(ctx context.Context, z, x, y int) ([]byte, error) {
	t, ok := tilecoord.ToStorage(z, x, y)
	if !ok {
		return nil, ErrNotFound
	}
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		int(t.Z), int(t.X), int(t.Y)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, a.classify(err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// Metadata returns every name/value pair of the metadata table.
func (a *Archive) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, a.classify(err)
	}
	defer rows.Close()

	md := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, a.classify(err)
		}
		md[name] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, a.classify(err)
	}
	return md, nil
}

// Count returns the number of stored tiles.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM tiles`).Scan(&n); err != nil {
		return 0, a.classify(err)
	}
	return n, nil
}

// ZoomRange returns the zoom levels covered by the archive, preferring the
// minzoom/maxzoom metadata and falling back to the tile table.
func (a *Archive) ZoomRange(ctx context.Context) (minZoom, maxZoom int, err error) {
	md, err := a.Metadata(ctx)
	if err != nil {
		return 0, 0, err
	}
	minZoom, errMin := strconv.Atoi(md["minzoom"])
	maxZoom, errMax := strconv.Atoi(md["maxzoom"])
	if errMin == nil && errMax == nil && minZoom <= maxZoom {
		return minZoom, maxZoom, nil
	}
	var lo, hi sql.NullInt64
	err = a.db.QueryRowContext(ctx, `SELECT min(zoom_level), max(zoom_level) FROM tiles`).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, a.classify(err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, ErrNotFound
	}
	return int(lo.Int64), int(hi.Int64), nil
}

// CountZoom returns the number of stored tiles at zoom z.
func (a *Archive) CountZoom(ctx context.Context, z int) (int64, error) {
	var n int64
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM tiles WHERE zoom_level = ?`, z).Scan(&n); err != nil {
		return 0, a.classify(err)
	}
	return n, nil
}

// Each calls fn for every stored tile, in XYZ addressing, ordered by zoom.
// Rows whose address is outside the tile grid are skipped. fn must not query
// the archive: the handle has a single connection, held by the iteration.
func (a *Archive) Each(ctx context.Context, fn func(t maptile.Tile, data []byte) error) error {
	return a.each(ctx, fn,
		`SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles ORDER BY zoom_level, tile_column, tile_row`)
}

// EachZoom is Each restricted to zoom z.
func (a *Archive) EachZoom(ctx context.Context, z int, fn func(t maptile.Tile, data []byte) error) error {
	return a.each(ctx, fn,
		`SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles WHERE zoom_level = ? ORDER BY tile_column, tile_row`, z)
}

func (a *Archive) each(ctx context.Context, fn func(t maptile.Tile, data []byte) error, query string, args ...interface{}) error {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return a.classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var z, col, row int
		var data []byte
		if err := rows.Scan(&z, &col, &row, &data); err != nil {
			return a.classify(err)
		}
		t, ok := tilecoord.FromStorage(z, col, row)
		if !ok || len(data) == 0 {
			continue
		}
		if err := fn(t, data); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return a.classify(err)
	}
	return nil
}

// check verifies that both MBTiles tables are queryable.
func (a *Archive) check(ctx context.Context) error {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM metadata`).Scan(&n); err != nil {
		return a.classify(err)
	}
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM (SELECT 1 FROM tiles LIMIT 1)`).Scan(&n); err != nil {
		return a.classify(err)
	}
	return nil
}

// classify turns SQLite errors that mean "this file is not an archive" into ErrCorrupt.
func (a *Archive) classify(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrCantOpen:
			if _, statErr := os.Stat(a.path); os.IsNotExist(statErr) {
				return ErrNotFound
			}
			return errors.Wrapf(ErrCorrupt, "%s: %v", a.path, err)
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt, sqlite3.ErrFormat:
			return errors.Wrapf(ErrCorrupt, "%s: %v", a.path, err)
		}
	}
	if strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "no such column") {
		return errors.Wrapf(ErrCorrupt, "%s: %v", a.path, err)
	}
	return errors.Wrapf(err, "query %s", a.path)
}

// Validate reports whether path holds a readable MBTiles archive.
func Validate(ctx context.Context, path string) error {
	a, err := Open(path)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.check(ctx)
}
