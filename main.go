// Command webserv is the CLI entrypoint: one positional argument naming
// the nginx-style configuration file, per spec.md section 6. Grounded on
// the teacher's bare main.go stub, filled in with the flag package for
// usage text since no example repo carries a CLI framework dependency.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kfcemployee/webserv/config"
	"github.com/kfcemployee/webserv/engine"
	"github.com/kfcemployee/webserv/weblog"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := weblog.New(weblog.LevelInfo)

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		log.Error("config: %v", err)
		os.Exit(1)
	}

	e := engine.New(cfg, log)
	if err := e.Run(); err != nil {
		log.Error("engine: %v", err)
		os.Exit(1)
	}
}
