package main

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/translate"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Build a kernel taking (float* data, float factor), run it over 0..size-1 and print the result",
		ArgsUsage: "<file> <entry>",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "size", Value: 16, Usage: "Number of floats"},
			&cli.Float64Flag{Name: "factor", Value: 2, Usage: "Scalar argument"},
			&cli.UintFlag{Name: "local", Usage: "Work-group size, 0 for one item per group"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("run takes <file> <entry>", 2)
			}
			file, entry := c.Args().Get(0), c.Args().Get(1)
			size := uint32(c.Uint("size"))
			if size == 0 {
				return cli.Exit("size must be positive", 2)
			}
			local := uint32(c.Uint("local"))
			factor := float32(c.Float64("factor"))

			return withHost(c, appConfig(c), func(host *compute.Host, log *zap.Logger) error {
				out, err := runScale(host, file, entry, size, local, factor)
				if err != nil {
					return err
				}
				log.Info("Kernel finished", zap.String("entry", entry), zap.Uint32("size", size))
				fmt.Fprintln(c.App.Writer, out)
				return nil
			})
		},
	}
}

// runScale runs a kernel with a (buffer, scalar) signature over the values 0..size-1.
func runScale(host *compute.Host, file, entry string, size, local uint32, factor float32) ([]float32, error) {
	id, err := buildKernel(host, entry, file, entry, nil)
	if err != nil {
		return nil, err
	}
	info, _ := host.KernelInfo(id)
	if len(info.Params) != 2 || info.ParamType(0) != translate.Buffer || info.ParamType(1) != translate.Other {
		return nil, fmt.Errorf("kernel %s must take (buffer, scalar), got %d parameters", entry, len(info.Params))
	}

	data := make([]byte, 4*size)
	for i := uint32(0); i < size; i++ {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(i)))
	}
	buf := host.CreateBuffer(compute.FlagDefault|compute.InitialCopy, uint64(len(data)), data)
	if buf == 0 {
		return nil, fmt.Errorf("failed to allocate %d bytes", len(data))
	}
	defer host.DeleteBuffer(buf)

	ok := host.SetKernelArgumentBuffer(0, buf) &&
		host.SetKernelArgumentFloat32(1, factor) &&
		host.SetKernelRange([3]uint32{size, 1, 1}, [3]uint32{local, 1, 1}) &&
		host.RunKernel(id)
	if !ok {
		return nil, fmt.Errorf("failed to run kernel %s, see the log for details", entry)
	}
	host.Finish()

	if !host.ReadBuffer(data, buf, 0, 0) {
		return nil, fmt.Errorf("failed to read back results")
	}
	out := make([]float32, size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}
