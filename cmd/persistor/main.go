package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/object-persistor/internal/config"
	"github.com/yourorg/object-persistor/internal/factory"
	"github.com/yourorg/object-persistor/internal/metrics"
	"github.com/yourorg/object-persistor/internal/storage"
)

type app struct {
	cfgFile      string
	logLevel     string
	serveMetrics bool
	metricsAddr  string

	logger    *zap.Logger
	persistor storage.Persistor
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	a.teardown()
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:          "persistor",
		Short:        "Operate on objects through the configured persistor",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&a.serveMetrics, "metrics", false, "serve /metrics while running")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", metrics.AddrFromEnv(), "listen address for --metrics")

	root.AddCommand(
		a.putCmd(), a.getCmd(), a.sizeCmd(), a.md5Cmd(), a.existsCmd(), a.urlCmd(),
		a.cpCmd(), a.rmCmd(), a.rmdirCmd(), a.duCmd(), a.lsCmd(),
	)
	return root, a
}

func (a *app) setup(ctx context.Context) error {
	a.logger = newZap(a.logLevel)
	if a.serveMetrics {
		metrics.Init()
		go func() {
			if err := metrics.Serve(a.metricsAddr); err != nil {
				a.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.logger.Debug("loaded config", zap.Stringer("config", cfg))
	a.persistor, err = factory.New(ctx, cfg, a.logger)
	return err
}

// teardown lets background copies of a migration finish before exiting. It
// runs whether or not the command failed.
func (a *app) teardown() {
	if w, ok := a.persistor.(interface{ Wait() }); ok {
		w.Wait()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newZap(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
