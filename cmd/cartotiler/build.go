package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"cartotiler/internal/tileset"
)

func cmdBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	project := fs.String("project", "", "project `id`")
	layer := fs.String("layer", "", "vector layer `name` (default map-{project})")
	minZoom := fs.Int("min", tileset.DefaultMinZoom, "minimum `zoom`")
	maxZoom := fs.Int("max", tileset.DefaultMaxZoom, "maximum `zoom`")
	pois := fs.String("pois", "", "GeoJSON `file` of points of interest merged into the tileset")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cartotiler build -project id [options] file.geojson [file.geojson...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	inputs := fs.Args()
	if len(inputs) == 0 && *pois == "" {
		fs.Usage()
		return errors.New("at least one GeoJSON file is required")
	}

	store, err := newStore()
	if err != nil {
		return err
	}
	enc := newEngine()
	builder, err := tileset.NewBuilder(store, enc, conf.Build.TempDir, nil, log.WithField("component", "builder"))
	if err != nil {
		return err
	}

	req := tileset.Request{
		ProjectID: *project,
		LayerName: *layer,
		MinZoom:   *minZoom,
		MaxZoom:   *maxZoom,
	}
	if len(inputs) == 1 && *pois == "" {
		req.File = inputs[0]
	} else {
		fc, err := flattenInputs(inputs, *pois)
		if err != nil {
			return err
		}
		req.Collection = fc
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.Build.Timeout)
	defer cancel()
	safeExit.Register(cancel)

	res, err := builder.Build(ctx, req)
	if err != nil {
		return err
	}
	log.Infof("tileset %s of project %s written to %s (%d bytes)", res.TilesetID, res.ProjectID, res.Path, res.Stats.Size)
	return nil
}

// flattenInputs merges each input file as a layer named after the file, with
// the points of interest of poisFile on top.
func flattenInputs(inputs []string, poisFile string) (*geojson.FeatureCollection, error) {
	layers := make([]tileset.Layer, 0, len(inputs))
	for i, path := range inputs {
		fc, err := readCollection(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, tileset.Layer{
			Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Opacity:  1,
			ZIndex:   i,
			Features: fc,
		})
	}

	var pois []tileset.POI
	if poisFile != "" {
		fc, err := readCollection(poisFile)
		if err != nil {
			return nil, err
		}
		for i, f := range fc.Features {
			pt, ok := f.Geometry.(orb.Point)
			if !ok {
				return nil, errors.Errorf("%s: feature %d is a %s, points of interest must be points", poisFile, i, f.Geometry.GeoJSONType())
			}
			pois = append(pois, tileset.POI{
				Name:          propString(f.Properties, "name"),
				Description:   propString(f.Properties, "description"),
				Pictogram:     propString(f.Properties, "pictogram"),
				PictogramFile: propString(f.Properties, "pictogramFile"),
				Coordinates:   pt,
				Properties:    f.Properties,
			})
		}
	}
	return tileset.Flatten(layers, pois), nil
}

func readCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	fc, dropped, err := tileset.PrepareCollection(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if dropped > 0 {
		log.Infof("%s: dropped %d features without geometry", path, dropped)
	}
	return fc, nil
}

func propString(props geojson.Properties, key string) string {
	s, _ := props[key].(string)
	return s
}
