// Package archivetest writes MBTiles fixtures for tests.
package archivetest

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"

	"cartotiler/internal/tilecoord"
)

// Tiles maps XYZ addresses to payloads.
type Tiles map[maptile.Tile][]byte

// Write creates an MBTiles archive at path holding tiles and metadata md.
// minzoom/maxzoom metadata is derived from tiles when md does not set it.
func Write(tb testing.TB, path string, md map[string]string, tiles Tiles) {
	tb.Helper()
	if err := WriteFile(path, md, tiles); err != nil {
		tb.Fatalf("write archive %s: %v", path, err)
	}
}

// WriteFile is Write without a testing.TB, for use from fake encoders.
func WriteFile(path string, md map[string]string, tiles Tiles) error {
	os.Remove(path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(`
CREATE TABLE metadata (name text, value text);
CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);
CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row);
`); err != nil {
		return err
	}

	minZoom, maxZoom := -1, -1
	for t, data := range tiles {
		z := int(t.Z)
		if minZoom < 0 || z < minZoom {
			minZoom = z
		}
		if z > maxZoom {
			maxZoom = z
		}
		row := tilecoord.FlipY(t.Z, t.Y)
		if _, err := db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
			z, int(t.X), int(row), data); err != nil {
			return err
		}
	}

	meta := map[string]string{"format": "pbf"}
	if minZoom >= 0 {
		meta["minzoom"] = strconv.Itoa(minZoom)
		meta["maxzoom"] = strconv.Itoa(maxZoom)
	}
	for k, v := range md {
		meta[k] = v
	}
	for k, v := range meta {
		if _, err := db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Gzip compresses data the way the encoding engine stores vector tiles.
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Payload returns a distinct gzipped payload for tile t, tagged with version.
func Payload(t maptile.Tile, version string) []byte {
	return Gzip([]byte(fmt.Sprintf("tile %d/%d/%d %s", t.Z, t.X, t.Y, version)))
}
