package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/riverbed-media/estuary/pkg/conference"
	"github.com/riverbed-media/estuary/pkg/config"
	"github.com/riverbed-media/estuary/pkg/gateway"
	"github.com/riverbed-media/estuary/pkg/mediaengine/mockengine"
	"github.com/riverbed-media/estuary/pkg/metrics"
	"github.com/riverbed-media/estuary/pkg/profiling"
	"github.com/riverbed-media/estuary/pkg/registry"
	"github.com/riverbed-media/estuary/pkg/server"
	"github.com/riverbed-media/estuary/pkg/telemetry"
	"github.com/riverbed-media/estuary/pkg/worker"
)

var (
	configFilePath string
	cpuProfile     string
	memProfile     string
)

var rootCmd = &cobra.Command{
	Use:          "estuary",
	Short:        "Selective forwarding unit for multiparty conferences",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFilePath, "config", "config.yaml", "configuration file path")
	rootCmd.Flags().StringVar(&cpuProfile, "cpu-profile", "", "write CPU profile to `file`")
	rootCmd.Flags().StringVar(&memProfile, "mem-profile", "", "write memory profile to `file`")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	var deferred []func()
	if cpuProfile != "" {
		deferred = append(deferred, profiling.InitCPUProfiling(cpuProfile))
	}
	if memProfile != "" {
		deferred = append(deferred, profiling.InitMemoryProfiling(memProfile))
	}
	defer func() {
		for _, fn := range deferred {
			fn()
		}
	}()

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		logrus.WithError(err).Error("could not load config")
		return err
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logger := logrus.WithField("service", "estuary")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled() {
		provider, err := telemetry.SetupTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			logger.WithError(err).Error("could not set up telemetry")
			return err
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.WithError(err).Warn("telemetry shutdown failed")
			}
		}()
	}

	// The embedded engine is the in-memory one; a deployment with real media
	// workers swaps it for an engine that drives them over their native IPC.
	engine := mockengine.New()

	pool, err := worker.NewPool(
		ctx,
		engine,
		cfg.WorkerCount,
		cfg.WorkerSettings(),
		cfg.Codecs,
		worker.Options{},
		logger,
	)
	if err != nil {
		logger.WithError(err).Error("could not start media workers")
		return err
	}
	defer pool.Close()

	m := metrics.New()
	g := gateway.New(nil, cfg.OperationTimeout(), m, logger)
	reg := registry.New(pool, conference.Config{
		MaxParticipants:  cfg.MaxParticipantsPerConference,
		OperationTimeout: cfg.OperationTimeout(),
		Transport:        cfg.TransportOptions(),
	}, g, m, logger)
	g.SetRegistry(reg)
	m.BindCounts(reg)

	return server.New(cfg, g, reg, pool, m, logger).Run(ctx)
}
