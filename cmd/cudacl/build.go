package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/translate"
)

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Build one kernel and print its parameters",
		ArgsUsage: "<identifier> <file> <entry>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "D", Usage: "Extra define, e.g. -D TILE=16"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("build takes <identifier> <file> <entry>", 2)
			}
			identifier, file, entry := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
			return withHost(c, appConfig(c), func(host *compute.Host, log *zap.Logger) error {
				id, err := buildKernel(host, identifier, file, entry, defines(c.StringSlice("D")))
				if err != nil {
					return err
				}
				info, _ := host.KernelInfo(id)
				log.Info("Kernel built", zap.String("kernel", identifier), zap.Int("work_group_size", host.KernelWorkGroupSize()))
				printKernelInfo(c.App.Writer, info)
				return nil
			})
		},
	}
}

func buildKernel(host *compute.Host, identifier, file, entry string, options []string) (compute.KernelID, error) {
	id := host.AddKernelFile(identifier, file, entry, options)
	if id == 0 {
		return 0, fmt.Errorf("failed to build kernel %s from %s, see the log for details", identifier, file)
	}
	if !host.UseKernel(id) {
		return 0, fmt.Errorf("failed to select kernel %s", identifier)
	}
	return id, nil
}

func defines(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, "-D"+v)
	}
	return out
}

func printKernelInfo(w io.Writer, info translate.KernelInfo) {
	fmt.Fprintf(w, "%s(%d parameters)\n", info.Name, len(info.Params))
	for i, p := range info.Params {
		fmt.Fprintf(w, "  %d %-12s %-8s %-8s %s\n", i, p.Name, p.AddressSpace, p.Type, p.Access)
	}
}
