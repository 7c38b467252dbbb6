package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/runs"
	"github.com/ethpandaops/engine-controller/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List queued and allocated runs from the store",
	RunE:  listRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func listRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := store.New(log, &cfg.Store)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	queue := runs.NewQueue(log, st)

	queued, err := queue.QueuedRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing queued runs: %w", err)
	}

	allocated, err := queue.AllocatedRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing allocated runs: %w", err)
	}

	list := append(queued, allocated...)
	if len(list) == 0 {
		log.Info("No queued or allocated runs")

		return nil
	}

	runs.SortByQueued(list)

	renderRuns(cmd.OutOrStdout(), list)

	return nil
}

// renderRuns prints list, already in queue order, as a table.
func renderRuns(w io.Writer, list []*runs.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Status", "Queued", "Requestor", "Capabilities", "Controller", "Lease"})

	for _, r := range list {
		t.AppendRow(table.Row{
			r.Name,
			r.Status,
			formatTime(r.Queued),
			dash(r.Requestor),
			dash(strings.Join(r.Capabilities, ",")),
			dash(r.Controller),
			formatTime(r.AllocateTimeout),
		})
	}

	t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
