// Package main is the entrypoint for the SMS dispatch worker.
// Smsworker drains the OTP delivery queue; its HTTP surface is only the
// health endpoint.
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
		Name:           "smsworker",
		PortFromConfig: func(cfg *config.Config) int { return cfg.SMS.HTTPPort },
		Setup:          setup,
	}, nil)
}
