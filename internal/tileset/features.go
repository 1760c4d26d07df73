package tileset

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// PrepareCollection parses a GeoJSON FeatureCollection and drops features
// whose geometry is null or empty, returning how many were dropped. Geometry
// types the parser does not know are rejected.
func PrepareCollection(data []byte) (*geojson.FeatureCollection, int, error) {
	var raw struct {
		Type     string             `json:"type"`
		Features *[]json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, &ValidationError{Field: "geojson", Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	if raw.Type != "FeatureCollection" {
		return nil, 0, &ValidationError{Field: "geojson", Reason: fmt.Sprintf("type must be FeatureCollection, got %q", raw.Type)}
	}
	if raw.Features == nil {
		return nil, 0, &ValidationError{Field: "geojson", Reason: "features array is required"}
	}

	fc := geojson.NewFeatureCollection()
	dropped := 0
	for i, rf := range *raw.Features {
		var peek struct {
			Geometry json.RawMessage `json:"geometry"`
		}
		if err := json.Unmarshal(rf, &peek); err != nil {
			return nil, 0, &ValidationError{Field: "geojson", Reason: fmt.Sprintf("feature %d: %v", i, err)}
		}
		if len(peek.Geometry) == 0 || bytes.Equal(bytes.TrimSpace(peek.Geometry), []byte("null")) {
			dropped++
			continue
		}
		f, err := geojson.UnmarshalFeature(rf)
		if err != nil {
			return nil, 0, &ValidationError{Field: "geojson", Reason: fmt.Sprintf("feature %d: %v", i, err)}
		}
		if emptyGeometry(f.Geometry) {
			dropped++
			continue
		}
		if f.Properties == nil {
			f.Properties = make(map[string]interface{})
		}
		fc.Append(f)
	}
	return fc, dropped, nil
}

func emptyGeometry(g orb.Geometry) bool {
	switch g := g.(type) {
	case nil:
		return true
	case orb.MultiPoint:
		return len(g) == 0
	case orb.LineString:
		return len(g) == 0
	case orb.MultiLineString:
		return len(g) == 0
	case orb.Ring:
		return len(g) == 0
	case orb.Polygon:
		return len(g) == 0
	case orb.MultiPolygon:
		return len(g) == 0
	case orb.Collection:
		return len(g) == 0
	}
	return false
}

// Bound returns the extent of the collection. It is inverted (Min > Max) when fc is empty.
func Bound(fc *geojson.FeatureCollection) orb.Bound {
	bound := orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{-1, -1}}
	for _, f := range fc.Features {
		if bound.Min.X() > bound.Max.X() {
			bound = f.Geometry.Bound()
			continue
		}
		bound = bound.Union(f.Geometry.Bound())
	}
	return bound
}

// Layer is a styled source layer of a map.
type Layer struct {
	Name     string
	Color    string
	Opacity  float64
	ZIndex   int
	Features *geojson.FeatureCollection
}

// POI is a point of interest placed on a map.
type POI struct {
	Name          string
	Description   string
	Pictogram     string
	PictogramFile string
	Coordinates   orb.Point
	Properties    map[string]interface{}
}

// Flatten merges layers and points of interest into one collection. Layer
// styling is copied into every feature's properties so the encoded tiles can
// be styled without a side channel; points of interest are tagged type=poi.
func Flatten(layers []Layer, pois []POI) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range layers {
		if l.Features == nil {
			continue
		}
		for _, f := range l.Features.Features {
			if emptyGeometry(f.Geometry) {
				continue
			}
			styled := geojson.NewFeature(f.Geometry)
			styled.ID = f.ID
			for k, v := range f.Properties {
				styled.Properties[k] = v
			}
			if l.Color != "" {
				styled.Properties["color"] = l.Color
			}
			styled.Properties["opacity"] = l.Opacity
			styled.Properties["zIndex"] = l.ZIndex
			styled.Properties["layerName"] = l.Name
			fc.Append(styled)
		}
	}
	for _, p := range pois {
		f := geojson.NewFeature(p.Coordinates)
		for k, v := range p.Properties {
			f.Properties[k] = v
		}
		f.Properties["name"] = p.Name
		f.Properties["description"] = p.Description
		f.Properties["pictogram"] = p.Pictogram
		f.Properties["pictogramFile"] = p.PictogramFile
		f.Properties["type"] = "poi"
		fc.Append(f)
	}
	return fc
}
