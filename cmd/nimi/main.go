// Command nimi is a container init and process supervisor: it launches a
// declared set of long-running service processes from a JSON manifest,
// streams and persists their output, restarts them according to
// configured policy, and coordinates an orderly shutdown on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/weyl-ai/nimi"
	nimilog "github.com/weyl-ai/nimi/pkg/log"
	"github.com/weyl-ai/nimi/subreaper"
)

func main() {
	logger := nimilog.ConsoleLogger(true)
	subreaper.Logger = logger

	app := &cli.App{
		Name:  "nimi",
		Usage: "container init and process supervisor",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the JSON manifest of services to run",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "validate the nimi manifest file",
				Action: func(c *cli.Context) error {
					if _, err := nimi.LoadManifest(c.Path("config")); err != nil {
						return err
					}
					logger.Info().Msg("successfully validated nimi config")
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "run nimi services based on the manifest file",
				Action: func(c *cli.Context) error {
					return run(c.Context, c.Path("config"), logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("nimi exited with an error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads the manifest, enables the subreaper where supported, and
// drives the ProcessManager for the lifetime of the session.
func run(ctx context.Context, configPath string, logger zerolog.Logger) error {
	manifest, err := nimi.LoadManifest(configPath)
	if err != nil {
		return fmt.Errorf("failed to read nimi config (%q): %w", configPath, err)
	}

	if err := subreaper.Enable(); err != nil {
		logger.Warn().Err(err).Msg("failed to enable subreaper")
	}

	logger.Info().Msg("launching process manager...")

	pm := nimi.NewProcessManager(manifest.Services, manifest.Settings, logger, os.TempDir())
	if err := pm.Run(ctx); err != nil {
		return fmt.Errorf("failed to run processes: %w", err)
	}

	logger.Info().Msg("process manager finished")
	return nil
}
