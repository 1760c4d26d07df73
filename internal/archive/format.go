package archive

import "bytes"

// Ext is the file extension of a project archive.
const Ext = ".mbtiles"

// Constants representing tile formats and payload encodings
const (
	GZIP string = "gzip"    // encoding = gzip
	ZLIB        = "deflate" // encoding = deflate
	PBF         = "pbf"
	PNG         = "png"
	JPG         = "jpg"
	WEBP        = "webp"
)

// MimeVectorTile is the content type of a Mapbox vector tile.
const MimeVectorTile = "application/x-protobuf"

// Encoding reports the content encoding of a stored tile payload, or "" when
// the payload is not compressed. The engine gzips vector tiles by default but
// some archives carry zlib streams or raw protobuf.
func Encoding(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return GZIP
	case len(data) >= 2 && data[0] == 0x78 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0:
		return ZLIB
	}
	return ""
}

var mimeTypes = map[string]string{
	PBF:  MimeVectorTile,
	PNG:  "image/png",
	JPG:  "image/jpeg",
	WEBP: "image/webp",
}

// Format sniffs the tile format of a stored payload. Compressed payloads are
// vector tiles; raster archives store images uncompressed.
func Format(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return PNG
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return JPG
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return WEBP
	}
	return PBF
}

// ContentType returns the MIME type for a tile format.
func ContentType(format string) string {
	if m, ok := mimeTypes[format]; ok {
		return m
	}
	return MimeVectorTile
}
