package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/fixtures"
	"github.com/fxnlabs/cudacl/internal/config"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config.yaml and sample kernels into the home directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite existing files"},
		},
		Action: func(c *cli.Context) error {
			log := appLogger(c)
			home := c.App.Metadata["homeDir"].(string)
			files := map[string][]byte{
				config.ConfigFile:                    fixtures.ConfigTemplate,
				filepath.Join("kernels", "scale.cl"): []byte(fixtures.ScaleKernel),
				filepath.Join("kernels", "saxpy.cl"): []byte(fixtures.SaxpyKernel),
			}
			for name, data := range files {
				path := filepath.Join(home, name)
				if _, err := os.Stat(path); err == nil && !c.Bool("force") {
					log.Info("Keeping existing file", zap.String("path", path))
					continue
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				log.Info("Wrote file", zap.String("path", path))
			}
			return nil
		},
	}
}
