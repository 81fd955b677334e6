package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gantry/gantry"
	"tangled.sh/tangled.sh/gantry/log"
)

func main() {
	cmd := &cli.Command{
		Name:     "gantry",
		Usage:    "staged, resumable pipeline runner with gitops manifest updates",
		Commands: gantry.Commands(),
	}

	ctx := context.Background()
	logger := log.New("gantry")
	if os.Getenv("GANTRY_SERVER_DEV") == "true" {
		logger = log.NewDev("gantry")
	}
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
