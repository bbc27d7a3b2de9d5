package main

import (
	"context"
	"errors"
	"runtime"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/config"
	"github.com/fxnlabs/cudacl/internal/node"
)

var errNoDevice = errors.New("no usable compute device, see the log for the driver error")

// withHost builds the host with fx, initializes it on the calling thread and runs fn.
// Driver contexts are current on the thread that created them, so the thread stays locked
// until the host is shut down.
func withHost(c *cli.Context, cfg *config.Config, fn func(*compute.Host, *zap.Logger) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := appLogger(c)
	var host *compute.Host
	app := fx.New(
		fx.Supply(cfg, log),
		node.Module(),
		fx.Populate(&host),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(c.Context); err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			log.Warn("Failed to stop cleanly", zap.Error(err))
		}
	}()

	if !host.Init() {
		return errNoDevice
	}
	defer host.Shutdown()
	return fn(host, log)
}
