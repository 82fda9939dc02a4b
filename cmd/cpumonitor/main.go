package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/cpumonitor/internal/config"
	"codeberg.org/mutker/cpumonitor/internal/cpu"
	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	"codeberg.org/mutker/cpumonitor/internal/metrics"
	"codeberg.org/mutker/cpumonitor/internal/pid"
	"codeberg.org/mutker/cpumonitor/internal/source"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	isService := logger.IsService()
	if err := logger.Init(cfg.LogLevel, isService); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	logger.Debug().Str("config_file", cfg.ConfigFile()).Msg("Config loaded")

	if cfg.PIDFile != "" {
		if err := pid.Write(cfg.PIDFile); err != nil {
			logError(err, "Failed to write PID file")
			return 1
		}
		defer func() {
			if err := pid.Remove(cfg.PIDFile); err != nil {
				logError(err, "Failed to remove PID file")
			}
		}()
	}

	src, err := source.New(sourceConfig(cfg), logger.Default())
	if err != nil {
		logError(errors.New().Wrap(errors.ErrOpenSource, err), "Failed to open counter source")
		return 1
	}
	if closer, ok := src.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info().Str("source", src.Name()).Dur("interval", cfg.Interval).Msg("Starting CPU monitor")

	collector, err := metrics.NewService(metricsConfig(cfg), logger.Default())
	if err != nil {
		logError(errors.New().Wrap(errors.ErrInitMetrics, err), "Failed to initialize metrics")
		return 1
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logError(err, "Failed to close metrics")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := newMonitor(cfg, cpu.NewSampler(src), collector, os.Stdout, isService)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	// Holds the latest reload only
	updates := make(chan *config.Config, 1)

	g.Go(func() error {
		defer cancel()
		return m.run(gCtx, updates)
	})

	g.Go(func() error {
		return cfg.Watch(gCtx, func(next *config.Config) {
			select {
			case <-updates:
			default:
			}
			updates <- next
		})
	})

	if err := g.Wait(); err != nil {
		logError(errors.New().Wrap(errors.ErrMainLoop, err), "CPU monitor stopped")
		return 1
	}

	logger.Info().Msg("Exiting...")
	return 0
}

func sourceConfig(cfg *config.Config) source.Config {
	return source.Config{
		Kind:     source.Kind(cfg.Source),
		StatPath: cfg.StatPath,
		Remote: source.RemoteConfig{
			Host:           cfg.Remote.Host,
			Port:           cfg.Remote.Port,
			User:           cfg.Remote.User,
			KeyPath:        cfg.Remote.KeyPath,
			Password:       cfg.Remote.Password,
			KnownHostsPath: cfg.Remote.KnownHosts,
			Timeout:        cfg.Remote.Timeout,
		},
	}
}

func metricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{
		Enabled:      cfg.Metrics.Enabled,
		DBPath:       cfg.Metrics.DBPath,
		BatchSize:    cfg.Metrics.BatchSize,
		BatchTimeout: cfg.Metrics.BatchTimeout,
	}
}

func logError(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
