// Command labctl-controller runs the control core: it ingests sensor
// readings over the message bus, evaluates each lab's rules on a
// timer, and dispatches actuator commands. It is the long-running
// process the registry collaborator and simulator talk to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/labctl/labctl/internal/buildinfo"
	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/config"
	"github.com/labctl/labctl/internal/httpapi"
	"github.com/labctl/labctl/internal/httpkit"
	"github.com/labctl/labctl/internal/ledger"
	"github.com/labctl/labctl/internal/manager"
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

	root := &cobra.Command{
		Use:   "labctl",
		Short: "labctl runs the lab environmental control core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (searched if omitted)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newStatusCommand())
	root.AddCommand(newSimulateCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

// newSimulateCommand runs the synthetic lab inline, for local
// development against a broker without a separate labctl-simulator
// process (cmd/simulator wraps the same package as its own binary).
func newSimulateCommand(configPath *string) *cobra.Command {
	var loopSec int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "publish synthetic sensor/actuator traffic for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(*configPath, loopSec)
		},
	}
	cmd.Flags().IntVar(&loopSec, "loop-sec", 5, "seconds between simulated sensor publications")
	return cmd
}

func runSimulate(configPath string, loopSec int) error {
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
	logger.Info("starting labctl simulate", "version", buildinfo.Version, "config", path)

	catStore, err := catalog.NewStore(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}

	busAdapter := bus.New(bus.Config{
		Host:      cfg.Bus.Host,
		Port:      cfg.Bus.Port,
		Keepalive: cfg.Bus.Keepalive,
		ClientID:  "labctl-simulate",
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

// newStatusCommand fetches and pretty-prints a running service's
// status. It targets the registry's GET /status by default (the
// catalog-enriched view) but --snapshot points it at the controller's
// raw GET /snapshot instead.
func newStatusCommand() *cobra.Command {
	var url string
	var snapshot bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "fetch and print a running controller/registry's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshot {
				url = defaultIfEmpty(url, "http://localhost:8081") + "/snapshot"
			} else {
				url = defaultIfEmpty(url, "http://localhost:8090") + "/status"
			}
			return printStatus(cmd.Context(), url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "base URL to query (default depends on --snapshot)")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "query the controller's raw /snapshot instead of the registry's /status")
	return cmd
}

func defaultIfEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func printStatus(ctx context.Context, url string) error {
	client := httpkit.NewClient(httpkit.WithTimeout(5 * time.Second))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch status from %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("status request to %s failed: %s: %s", url, resp.Status, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildinfo.String())
			return nil
		},
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the control core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func newLogger(level slog.Level) *slog.Logger {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runServe(configPath string) error {
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
	logger.Info("starting labctl", "version", buildinfo.Version, "config", path)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	led, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	mgr, err := manager.New(manager.Config{
		Bus: bus.Config{
			Host:      cfg.Bus.Host,
			Port:      cfg.Bus.Port,
			Keepalive: cfg.Bus.Keepalive,
			ClientID:  cfg.Bus.ClientID,
		},
		CatalogDir:       cfg.CatalogDir,
		Ledger:           led,
		ControlLoopSec:   time.Duration(cfg.Loop.ControlSec) * time.Second,
		CatalogRefresh:   time.Duration(cfg.Loop.CatalogRefreshSec) * time.Second,
		WatchdogInterval: time.Duration(cfg.Loop.WatchdogSec) * time.Second,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: httpapi.NewRouter(mgr, led, logger),
	}

	go func() {
		logger.Info("http api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	mgr.Stop(shutdownCtx)

	return nil
}
