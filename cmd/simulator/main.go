// Command labctl-simulator runs a synthetic lab: it publishes plausible
// sensor readings and echoes actuator commands as device feedback, so
// the bus contract can be exercised without physical hardware.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/labctl/labctl/internal/buildinfo"
	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/config"
	"github.com/labctl/labctl/internal/simulator"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var loopSec int

	root := &cobra.Command{
		Use:   "labctl-simulator",
		Short: "labctl-simulator publishes synthetic sensor/actuator traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, loopSec)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (searched if omitted)")
	root.Flags().IntVar(&loopSec, "loop-sec", 5, "seconds between simulated sensor publications")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildinfo.String())
			return nil
		},
	})
	return root
}

func newLogger(level slog.Level) *slog.Logger {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func run(configPath string, loopSec int) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("find config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(level)
	logger.Info("starting labctl-simulator", "version", buildinfo.Version, "config", path)

	catStore, err := catalog.NewStore(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}

	busAdapter := bus.New(bus.Config{
		Host:      cfg.Bus.Host,
		Port:      cfg.Bus.Port,
		Keepalive: cfg.Bus.Keepalive,
		ClientID:  "labctl-simulator",
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := busAdapter.Connect(ctx); err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}

	sim := simulator.New(catStore, busAdapter, time.Duration(loopSec)*time.Second, logger)
	if err := sim.Start(ctx); err != nil {
		return fmt.Errorf("simulator start: %w", err)
	}
	go sim.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = busAdapter.Disconnect(shutdownCtx)
	return nil
}
