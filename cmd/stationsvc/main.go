// Package main is the entrypoint for the station discovery service.
// Stationsvc answers range-aware charging station queries.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/voltgrid/ev-platform/internal/config"
	"github.com/voltgrid/ev-platform/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "stationsvc",
		PortFromConfig: func(cfg *config.Config) int { return cfg.StationSvc.HTTPPort },
		Setup:          setup,
	}, nil)
}
