// Package main runs the task engine as a standalone executor, a master or a
// worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/taskengine/internal/config"
	"github.com/JakeFAU/taskengine/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "", "Override the configured mode: standalone, master or worker")
	flag.Parse()

	if err := run(*cfgPath, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "taskengine: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, mode string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if mode != "" {
		cfg.Mode = mode
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return app.Run(ctx)
}
