package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/config"
	"github.com/fxnlabs/cudacl/internal/logger"
)

func main() {
	var home string
	var driverName string
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:     "cudacl",
		Usage:    "Build and run OpenCL kernels on CUDA devices",
		Metadata: map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the cudacl home directory holding config.yaml",
				EnvVars:     []string{"CUDACL_HOME"},
				Destination: &home,
			},
			&cli.StringFlag{
				Name:        "driver",
				Usage:       "Override compute.driver (auto, cuda or sim)",
				Destination: &driverName,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadHome(home)
			if err != nil {
				return err
			}
			if driverName != "" {
				cfg.Compute.Driver = driverName
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			zapLogger, err := logger.NewWithFormat(cfg.Logger.Verbosity, cfg.Logger.Format)
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("cli")
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = rootLogger
			c.App.Metadata["homeDir"] = home
			return nil
		},
		After: func(c *cli.Context) error {
			if rootLogger != nil {
				_ = rootLogger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			devicesCommand(),
			buildCommand(),
			cacheCommands(),
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}
