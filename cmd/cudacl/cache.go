package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/kcache"
)

func cacheCommands() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Manage the compiled kernel cache",
		Subcommands: []*cli.Command{
			{
				Name:  "manifest",
				Usage: "Record checksums of the kernel sources so cached kernels are used",
				Action: func(c *cli.Context) error {
					cfg := appConfig(c)
					sums, err := kcache.WriteManifest(c.Context, cfg.Compute.KernelPath, cfg.Compute.CachePath)
					if err != nil {
						return err
					}
					appLogger(c).Info("Wrote kernel manifest",
						zap.String("dir", cfg.Compute.CachePath), zap.Int("sources", len(sums)))
					return nil
				},
			},
			{
				Name:      "store",
				Usage:     "Compile a kernel and write its artifacts to the cache",
				ArgsUsage: "<identifier> <file> <entry>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return cli.Exit("store takes <identifier> <file> <entry>", 2)
					}
					cfg := *appConfig(c)
					if cfg.Compute.KernelPath == "" {
						return errors.New("compute.kernelPath is not set")
					}
					cfg.Compute.WriteCache = true
					cfg.Compute.ClearCache = true

					identifier, file, entry := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
					return withHost(c, &cfg, func(host *compute.Host, log *zap.Logger) error {
						if _, err := buildKernel(host, identifier, file, entry, nil); err != nil {
							return err
						}
						tag := host.ActiveDevice().Target.Tag
						fmt.Fprintf(c.App.Writer, "stored %s_%s in %s\n", identifier, tag, cfg.Compute.CachePath)
						return nil
					})
				},
			},
			{
				Name:  "status",
				Usage: "Report whether the cache matches the kernel sources",
				Action: func(c *cli.Context) error {
					cfg := appConfig(c)
					cache := kcache.Open(cfg.Compute.KernelPath, cfg.Compute.CachePath, appLogger(c))
					if cache.Valid() {
						fmt.Fprintf(c.App.Writer, "cache %s is valid\n", cache.Dir())
						return nil
					}
					fmt.Fprintf(c.App.Writer, "cache %s is invalid: %s\n", cache.Dir(), cache.Reason())
					return nil
				},
			},
		},
	}
}
