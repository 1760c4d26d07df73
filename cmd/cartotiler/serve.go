package main

import (
	"context"
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cartotiler/internal/archive"
	"cartotiler/internal/encoder"
	"cartotiler/internal/server"
	"cartotiler/internal/tileset"
)

const shutdownTimeout = 30 * time.Second

func newStore() (*archive.Store, error) {
	return archive.NewStore(conf.Store.Directory)
}

func newEngine() encoder.Encoder {
	return encoder.NewTippecanoe(conf.Build.Engine, conf.Build.EngineArgs, log.WithField("component", "encoder"))
}

// probeEngine logs whether the engine can be started. Tiles are still
// served when it cannot.
func probeEngine(enc encoder.Encoder) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := enc.Version(ctx)
	if err != nil {
		log.WithError(err).Errorf("encoding engine %s is not available, builds will fail", conf.Build.Engine)
		return
	}
	log.Infof("encoding engine %s available: %s", conf.Build.Engine, v)
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", conf.Server.Addr, "listen `address`")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := newStore()
	if err != nil {
		return err
	}
	enc := newEngine()
	probeEngine(enc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	builder, err := tileset.NewBuilder(store, enc, conf.Build.TempDir, tileset.NewMetrics(reg), log.WithField("component", "builder"))
	if err != nil {
		return err
	}
	scheduler := tileset.NewScheduler(builder, conf.Build.Workers, conf.Build.Timeout, log.WithField("component", "scheduler"))
	safeExit.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := scheduler.Close(ctx); err != nil {
			log.WithError(err).Warn("builds did not stop in time")
		}
	})

	srv, err := server.New(server.Config{
		Addr:          *addr,
		ReadTimeout:   conf.Server.ReadTimeout,
		CacheMaxAge:   conf.Server.CacheMaxAge,
		MaxBodySize:   conf.Build.MaxBodySize,
		MaxUploadSize: conf.Build.MaxUploadSize,
		TileURL:       conf.Server.TileURL,
		Version:       conf.App.Version,
	}, archive.NewReader(store, log.WithField("component", "reader")), scheduler, reg, log.WithField("component", "http"))
	if err != nil {
		return err
	}
	safeExit.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	})

	log.Infof("%s %s, tilesets in %s", conf.App.Title, conf.App.Version, store.Dir())
	return srv.Start()
}
