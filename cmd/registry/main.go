// Command labctl-registry runs the catalog CRUD and manual-dispatch
// HTTP surface: it owns the on-disk catalog files and forwards status
// reads to the controller's snapshot endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/labctl/labctl/internal/buildinfo"
	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/config"
	"github.com/labctl/labctl/internal/registry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var addr string
	var controllerURL string

	root := &cobra.Command{
		Use:   "labctl-registry",
		Short: "labctl-registry serves catalog CRUD and manual dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, addr, controllerURL)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (searched if omitted)")
	root.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	root.Flags().StringVar(&controllerURL, "controller-url", "http://localhost:8081", "base URL of the controller's HTTP API")

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

func runServe(configPath, addr, controllerURL string) error {
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
	logger.Info("starting labctl-registry", "version", buildinfo.Version, "config", path)

	svc, err := registry.New(registry.Config{
		CatalogDir: cfg.CatalogDir,
		Bus: bus.Config{
			Host:      cfg.Bus.Host,
			Port:      cfg.Bus.Port,
			Keepalive: cfg.Bus.Keepalive,
			ClientID:  "labctl-registry",
		},
		ControllerURL: controllerURL,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	httpServer := &http.Server{Addr: addr, Handler: svc.Router()}
	go func() {
		logger.Info("registry http api listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = svc.Stop(shutdownCtx)
	return nil
}
