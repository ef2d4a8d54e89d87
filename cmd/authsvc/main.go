// Package main is the entrypoint for the OTP authentication service.
// Authsvc owns the OTP request/verify flows and token issuance.
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
		Name:           "authsvc",
		PortFromConfig: func(cfg *config.Config) int { return cfg.AuthSvc.HTTPPort },
		Setup:          setup,
	}, nil)
}
