package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"cartotiler/internal/archive"
	"cartotiler/internal/export"
	"cartotiler/internal/tilecoord"
)

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	project := fs.String("project", "", "project `id` to export")
	out := fs.String("out", "", "output `directory` (default {export.directory}/{project})")
	region := fs.String("region", "", "GeoJSON `file` limiting the export to its tile cover")
	minZoom := fs.Int("min", -1, "minimum `zoom` (default the archive's)")
	maxZoom := fs.Int("max", -1, "maximum `zoom` (default the archive's)")
	workers := fs.Int("workers", conf.Export.Workers, "concurrent tile writers")
	progress := fs.Bool("progress", true, "show a progress bar")
	resume := fs.Bool("resume", false, "skip tiles recorded by a previous run")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cartotiler export -project id [options]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		fs.Usage()
		return errors.New("-project is required")
	}

	store, err := newStore()
	if err != nil {
		return err
	}
	a, err := archive.NewReader(store, log.WithField("component", "reader")).Open(*project)
	if err != nil {
		return errors.Wrapf(err, "open tileset of project %s", *project)
	}
	defer a.Close()

	opts := export.Options{
		Dir:      *out,
		Template: tilecoord.Template(conf.Export.Template),
		Workers:  *workers,
		BufSize:  conf.Export.BufSize,
		MinZoom:  *minZoom,
		MaxZoom:  *maxZoom,
		Progress: *progress,
	}
	if opts.Dir == "" {
		opts.Dir = filepath.Join(conf.Export.Directory, *project)
	}
	if *region != "" {
		if opts.Region, err = export.LoadRegion(*region); err != nil {
			return err
		}
	}
	if *resume {
		cp, err := export.OpenCheckpoint(filepath.Join(conf.Export.CheckpointDir, *project+".log"), log)
		if err != nil {
			return err
		}
		defer cp.Close()
		opts.Checkpoint = cp
	}

	task, err := export.NewTask(a, opts, log.WithField("project", *project))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	safeExit.Register(cancel)

	stats, err := task.Run(ctx)
	log.Infof("export %s: %d written, %d skipped, %d missing in %v", task.ID, stats.Written, stats.Skipped, stats.Missing, stats.Elapsed)
	return err
}
