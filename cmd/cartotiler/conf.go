package main

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var conf *Conf

// Conf mirrors conf/conf.toml. Every key can be overridden from the
// environment, e.g. CARTOTILER_BUILD_WORKERS for build.workers.
type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Server struct {
		Addr        string        `mapstructure:"addr"`
		ReadTimeout time.Duration `mapstructure:"readTimeout"`
		CacheMaxAge int           `mapstructure:"cacheMaxAge"`
		TileURL     string        `mapstructure:"tileURL"`
	} `mapstructure:"server"`
	Store struct {
		Directory string `mapstructure:"directory"`
	} `mapstructure:"store"`
	Build struct {
		TempDir       string        `mapstructure:"tempDir"`
		Engine        string        `mapstructure:"engine"`
		EngineArgs    []string      `mapstructure:"engineArgs"`
		Timeout       time.Duration `mapstructure:"timeout"`
		Workers       int           `mapstructure:"workers"`
		MaxUploadSize string        `mapstructure:"maxUploadSize"`
		MaxBodySize   string        `mapstructure:"maxBodySize"`
	} `mapstructure:"build"`
	Export struct {
		Directory     string `mapstructure:"directory"`
		Template      string `mapstructure:"template"`
		Workers       int    `mapstructure:"workers"`
		BufSize       int    `mapstructure:"bufSize"`
		CheckpointDir string `mapstructure:"checkpointDir"`
	} `mapstructure:"export"`
	Output struct {
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
	} `mapstructure:"output"`
}

// confWarnings are reported once logging is up.
var confWarnings []string

// InitConf loads cfgFile over the defaults. A missing file is not fatal:
// the defaults and the environment are enough to run.
func InitConf(cfgFile string) error {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix("CARTOTILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		confWarnings = append(confWarnings, "config file "+cfgFile+" does not exist, using defaults")
	} else {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config file %s", cfgFile)
		}
	}

	c := new(Conf)
	if err := v.Unmarshal(c); err != nil {
		return errors.Wrapf(err, "parse config file %s", cfgFile)
	}
	if c.Build.Workers < 1 {
		return errors.Errorf("build.workers must be at least 1, got %d", c.Build.Workers)
	}
	conf = c
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.version", version)
	v.SetDefault("app.title", "cartotiler")
	v.SetDefault("server.addr", ":3003")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.cacheMaxAge", 3600)
	v.SetDefault("server.tileURL", "/tiles/{project}/{z}/{x}/{y}.pbf")
	v.SetDefault("store.directory", "data/tilesets")
	v.SetDefault("build.tempDir", "data/temp")
	v.SetDefault("build.engine", "tippecanoe")
	v.SetDefault("build.engineArgs", []string{})
	v.SetDefault("build.timeout", "10m")
	v.SetDefault("build.workers", 2)
	v.SetDefault("build.maxUploadSize", "100M")
	v.SetDefault("build.maxBodySize", "50M")
	v.SetDefault("export.directory", "output")
	v.SetDefault("export.template", "{z}/{x}/{y}.pbf")
	v.SetDefault("export.workers", 4)
	v.SetDefault("export.bufSize", 256)
	v.SetDefault("export.checkpointDir", "data/checkpoints")
	v.SetDefault("output.logDir", "")
	v.SetDefault("output.outputTerminal", true)
}
