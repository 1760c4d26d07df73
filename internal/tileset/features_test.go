package tileset

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCollection(t *testing.T) {
	data := `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[7.048,43.667]},"properties":{"name":"POI"}},
		{"type":"Feature","geometry":null,"properties":{"name":"nowhere"}},
		{"type":"Feature","properties":{"name":"no geometry"}},
		{"type":"Feature","geometry":{"type":"LineString","coordinates":[]}},
		{"type":"Feature","geometry":{"type":"LineString","coordinates":[[7,43],[7.1,43.1]]}}
	]}`
	fc, dropped, err := PrepareCollection([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "POI", fc.Features[0].Properties["name"])
	assert.NotNil(t, fc.Features[1].Properties, "missing properties become an empty object")

	bound := Bound(fc)
	assert.Equal(t, orb.Point{7, 43}, bound.Min)
	assert.Equal(t, orb.Point{7.1, 43.667}, bound.Max)
}

func TestPrepareCollectionRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"bare feature", `{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]}}`},
		{"missing features", `{"type":"FeatureCollection"}`},
		{"feature not an object", `{"type":"FeatureCollection","features":[42]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := PrepareCollection([]byte(tt.data))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, "geojson", verr.Field)
		})
	}
}

func TestPrepareCollectionEmpty(t *testing.T) {
	fc, dropped, err := PrepareCollection([]byte(`{"type":"FeatureCollection","features":[]}`))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Empty(t, fc.Features)

	bound := Bound(fc)
	assert.True(t, bound.Min.X() > bound.Max.X())
}

func TestFlatten(t *testing.T) {
	parcels := geojson.NewFeatureCollection()
	parcel := geojson.NewFeature(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}})
	parcel.Properties["name"] = "parcel"
	parcels.Append(parcel)
	parcels.Append(geojson.NewFeature(orb.LineString{}))

	fc := Flatten(
		[]Layer{
			{Name: "parcels", Color: "#ff0000", Opacity: 0.5, ZIndex: 2, Features: parcels},
			{Name: "empty"},
		},
		[]POI{{
			Name:          "Fountain",
			Description:   "old town",
			Pictogram:     "water",
			PictogramFile: "water.svg",
			Coordinates:   orb.Point{7.048, 43.667},
			Properties:    map[string]interface{}{"rating": 4},
		}},
	)
	require.Len(t, fc.Features, 2)

	styled := fc.Features[0]
	assert.Equal(t, "parcel", styled.Properties["name"])
	assert.Equal(t, "#ff0000", styled.Properties["color"])
	assert.Equal(t, 0.5, styled.Properties["opacity"])
	assert.Equal(t, 2, styled.Properties["zIndex"])
	assert.Equal(t, "parcels", styled.Properties["layerName"])
	_, leaked := parcel.Properties["color"]
	assert.False(t, leaked, "source features are left untouched")

	poi := fc.Features[1]
	assert.Equal(t, orb.Point{7.048, 43.667}, poi.Geometry)
	assert.Equal(t, "poi", poi.Properties["type"])
	assert.Equal(t, "Fountain", poi.Properties["name"])
	assert.Equal(t, "water.svg", poi.Properties["pictogramFile"])
	assert.Equal(t, 4, poi.Properties["rating"])
}
