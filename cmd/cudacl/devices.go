package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compute"
)

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List compute devices with their score and compiler target",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-banner", Usage: "Skip the banner"},
		},
		Action: func(c *cli.Context) error {
			return withHost(c, appConfig(c), func(host *compute.Host, log *zap.Logger) error {
				if !c.Bool("no-banner") {
					fmt.Fprintln(c.App.Writer, figure.NewFigure("cudacl", "", true).String())
				}
				fmt.Fprintf(c.App.Writer, "Driver: %s\n", host.Driver().Name())
				printDevices(c.App.Writer, host.Devices(), host.FastestDevice())
				return nil
			})
		},
	}
}

func printDevices(w io.Writer, devices []*compute.Device, fastest *compute.Device) {
	for _, d := range devices {
		mark := " "
		if d == fastest {
			mark = "*"
		}
		fmt.Fprintf(w, "%s [%d] %s  units=%d clock=%dMHz mem=%dMiB capability=%s target=sm_%s score=%d\n",
			mark, d.Ordinal, d.Name, d.Units, d.ClockMHz, d.MemSize>>20, d.Capability, d.Target.Tag, d.Score)
	}
	fmt.Fprintln(w, "-----------------------------------------------")
	fmt.Fprintf(w, "%d device(s), * marks the fastest\n", len(devices))
}
