package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/engine-controller/pkg/controller"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine controller",
	Long: `Start the heartbeat, settings reload, run deletion reconciler, lease reaper
and scheduler, and serve health and metrics until interrupted.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"controller": cfg.Controller.ID,
		"store":      cfg.Store.Driver,
		"runtime":    cfg.Runtime.Type,
		"settings":   cfg.Settings.Source,
		"version":    version,
	}).Info("Starting engine controller")

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	st, err := store.New(log, &cfg.Store)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	client, clientset, err := newRuntime(cfg)
	if err != nil {
		return err
	}

	source, err := newSettingsSource(cfg, clientset)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := controller.New(log, cfg, st, client, source, registry)

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}

	<-ctx.Done()

	if err := c.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop controller cleanly")
	}

	return nil
}
