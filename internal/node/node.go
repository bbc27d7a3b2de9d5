// Package node assembles a compute host and its collaborators from configuration.
//
// Construction is wired with fx. The host itself is not started by a lifecycle hook:
// driver contexts are bound to the OS thread that creates them, so callers run Init on a
// goroutine locked with runtime.LockOSThread. Only the metrics endpoint has hooks.
package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/compiler"
	"github.com/fxnlabs/cudacl/internal/compute"
	"github.com/fxnlabs/cudacl/internal/config"
	"github.com/fxnlabs/cudacl/internal/driver/sim"
	"github.com/fxnlabs/cudacl/internal/gpu"
	"github.com/fxnlabs/cudacl/internal/kcache"
	"github.com/fxnlabs/cudacl/internal/metrics"
)

const MetricsPath = "/metrics"

// Module provides *gpu.Manager, compiler.Compiler, *kcache.Cache and *compute.Host. It
// expects *config.Config and *zap.Logger to be supplied by the caller.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			NewManager,
			NewCompiler,
			NewCache,
			NewHost,
		),
		fx.Invoke(RegisterMetrics),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

func NewManager(cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	kind, err := gpu.ParseKind(cfg.Compute.Driver)
	if err != nil {
		return nil, err
	}
	simOpts, err := cfg.SimOptions()
	if err != nil {
		return nil, err
	}
	return gpu.NewManager(kind, simOpts, log)
}

// NewCompiler returns nvcc for the real driver. The simulated driver cannot load PTX, so
// it gets the simulated compiler.
func NewCompiler(cfg *config.Config, mgr *gpu.Manager, log *zap.Logger) compiler.Compiler {
	if !mgr.IsGPUAvailable() {
		return sim.NewCompiler()
	}
	return compiler.NewNVCC(cfg.NVCCOptions(), log)
}

// NewCache opens the kernel cache, or returns nil when no kernel directory is configured.
func NewCache(cfg *config.Config, log *zap.Logger) *kcache.Cache {
	if cfg.Compute.KernelPath == "" {
		return nil
	}
	c := kcache.Open(cfg.Compute.KernelPath, cfg.Compute.CachePath, log)
	if cfg.Compute.ClearCache {
		c.Disable()
	}
	return c
}

func HostOptions(cfg *config.Config, cc compiler.Compiler, cache *kcache.Cache) compute.Options {
	return compute.Options{
		KernelPath:       cfg.Compute.KernelPath,
		Defines:          cfg.Compute.Defines,
		MinDriverVersion: cfg.Compute.MinDriverVersion,
		StrictBounds:     cfg.Compute.StrictBounds,
		Compiler:         cc,
		Cache:            cache,
		WriteCache:       cfg.Compute.WriteCache,
	}
}

func NewHost(cfg *config.Config, mgr *gpu.Manager, cc compiler.Compiler, cache *kcache.Cache, log *zap.Logger) *compute.Host {
	return compute.New(mgr.Driver(), HostOptions(cfg, cc, cache), log)
}

// NewMetricsHandler serves the default prometheus registry.
func NewMetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, metrics.Middleware(promhttp.Handler(), MetricsPath))
	return mux
}

// RegisterMetrics serves the metrics endpoint for the lifetime of the app when
// metrics.listenAddress is set.
func RegisterMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	log = log.Named("metrics")
	srv := &http.Server{Handler: NewMetricsHandler(), ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Info("Serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
