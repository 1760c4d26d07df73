package main

import (
	"flag"
	"fmt"
	"os"
)

const version = "v0.1.0"

var (
	hf         bool
	configPath string
	logLevel   string
)

func InitFlag() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "info", "set log `level`")
	flag.Usage = usage
	flag.Parse()

	if hf {
		flag.Usage()
		os.Exit(0)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `cartotiler version: cartotiler/%s
Usage: cartotiler [-h] [-c filename] [-l logLevel] <command> [arguments]

Commands:
  serve     serve tiles and tileset builds over HTTP (default)
  build     build the tileset of a project from GeoJSON files
  export    write the tiles of a project out as {z}/{x}/{y} files
  version   print the version

Options:
`, version)
	flag.PrintDefaults()
}
