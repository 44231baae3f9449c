// Package main runs the import daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/dataimport/internal/config"
	"github.com/JakeFAU/dataimport/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	d, err := server.Build(ctx, cfg, server.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}
