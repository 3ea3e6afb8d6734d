package main

import (
	"os"

	"github.com/jaywantadh/tusbyte/config"
	"github.com/jaywantadh/tusbyte/pkg/env"
	"github.com/jaywantadh/tusbyte/pkg/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "tusbyte",
		Usage: "Resumable file uploads over the tus protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   env.GetEnv("TUSBYTE_CONFIG_DIR", "."),
				Usage:   "directory containing config.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose text logging",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			uploadCommand(),
			statusCommand(),
			terminateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

// loadConfig reads the configuration and sets up the process logger.
func loadConfig(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.InitLogger(cfg.Debug || c.Bool("debug"))
	return cfg, nil
}
