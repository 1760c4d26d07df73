// Command cartotiler builds per-project vector tilesets from GeoJSON and
// serves their tiles over HTTP.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

func main() {
	InitFlag()
	InitSafeExit()
	if err := InitConf(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := InitLog(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err := run(flag.Args())
	if err != nil {
		log.Error(err)
	}
	safeExit.Exit()
	if err != nil {
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return cmdServe(args)
	case "build":
		return cmdBuild(args)
	case "export":
		return cmdExport(args)
	case "version":
		fmt.Printf("cartotiler/%s\n", version)
		return nil
	}
	flag.Usage()
	return errors.Errorf("unknown command %q", cmd)
}
