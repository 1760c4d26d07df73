// Package tilecoord converts between client (XYZ) and storage (TMS) tile
// addressing. Both schemes share zoom and column; only the row origin differs:
// XYZ counts rows from the top of the map, TMS from the bottom.
package tilecoord

import (
	"github.com/paulmach/orb/maptile"
)

// ZoomMin is the shallowest zoom level.
const ZoomMin = 0

// ZoomMax is the deepest zoom an address may carry. 1<<ZoomMax still fits
// comfortably in a uint32 row/column.
const ZoomMax = 30

// Valid reports whether (z, x, y) addresses a tile of the 2^z by 2^z grid.
func Valid(z, x, y int) bool {
	if z < ZoomMin || z > ZoomMax {
		return false
	}
	n := 1 << uint(z)
	return x >= 0 && x < n && y >= 0 && y < n
}

// FlipY maps a row between XYZ and TMS addressing at zoom z. The mapping is
// its own inverse: FlipY(z, FlipY(z, y)) == y.
func FlipY(z maptile.Zoom, y uint32) uint32 {
	return (uint32(1) << uint32(z)) - 1 - y
}

// ToStorage converts an XYZ address into the TMS tile stored in an archive.
// ok is false when the address is outside the grid.
func ToStorage(z, x, y int) (t maptile.Tile, ok bool) {
	if !Valid(z, x, y) {
		return maptile.Tile{}, false
	}
	zoom := maptile.Zoom(z)
	return maptile.New(uint32(x), FlipY(zoom, uint32(y)), zoom), true
}

// FromStorage converts a (zoom_level, tile_column, tile_row) triple read from an
// archive into client addressing.
func FromStorage(z, column, row int) (t maptile.Tile, ok bool) {
	if !Valid(z, column, row) {
		return maptile.Tile{}, false
	}
	zoom := maptile.Zoom(z)
	return maptile.New(uint32(column), FlipY(zoom, uint32(row)), zoom), true
}
