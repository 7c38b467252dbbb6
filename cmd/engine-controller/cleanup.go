package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/spf13/cobra"
)

var (
	forceCleanup       bool
	cleanupEngineLabel string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove all workers of this controller's engine label",
	Long: `Remove every worker created by the engine controller for the configured
engine label, whatever the state of its run. This is useful when taking an
engine label out of service or after a botched rollout. Runs that were
allocated to removed workers are returned to the queue by the lease reaper.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().StringVar(&cleanupEngineLabel, "engine-label", "",
		"Engine label to clean up (defaults to the one in the settings)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	client, clientset, err := newRuntime(cfg)
	if err != nil {
		return err
	}

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestration client: %w", err)
	}

	defer func() {
		if err := client.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop orchestration client")
		}
	}()

	label := cleanupEngineLabel
	if label == "" {
		source, err := newSettingsSource(cfg, clientset)
		if err != nil {
			return err
		}

		s, err := settings.New(ctx, log, source)
		if err != nil {
			return err
		}

		label = s.Current().EngineLabel
	}

	return performCleanup(ctx, client, label, forceCleanup)
}

// performCleanup lists and removes every worker of label.
func performCleanup(ctx context.Context, client orchestrator.Client, label string, force bool) error {
	workers, err := client.ListWorkers(ctx, label)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}

	if len(workers) == 0 {
		log.WithField("engine_label", label).Info("No workers found")

		return nil
	}

	fmt.Printf("\nWorkers to be removed (%d):\n", len(workers))

	for _, w := range workers {
		fmt.Printf("  - %s (run: %s, phase: %s)\n", w.Name, w.RunName, w.Phase)
	}

	fmt.Println()

	// Prompt for confirmation if not forced.
	if !force {
		fmt.Print("Are you sure you want to remove these workers? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	for _, w := range workers {
		log.WithField("worker", w.Name).Info("Removing worker")

		if err := client.DeleteWorker(ctx, w.ID); err != nil {
			log.WithError(err).WithField("worker", w.Name).Warn("Failed to remove worker")
		}
	}

	log.Info("Cleanup completed")

	return nil
}
