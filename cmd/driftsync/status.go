package main

import (
	"encoding/json"
	"fmt"

	"github.com/lucentapps/driftsync"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show queue depth, records with unpushed changes, the conflict
review backlog, and lifetime sync counters.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusOutput struct {
	Queue     driftsync.QueueStats         `json:"queue"`
	Pending   map[driftsync.EntityType]int `json:"pending_records"`
	Conflicts int                          `json:"pending_conflicts"`
	Stats     driftsync.SyncStats          `json:"stats"`
	Offline   bool                         `json:"offline"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	queue, err := client.QueueStats()
	if err != nil {
		return err
	}
	pending, err := client.PendingCounts()
	if err != nil {
		return err
	}
	conflicts, err := client.PendingConflictCount()
	if err != nil {
		return err
	}
	stats, err := client.Stats()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statusOutput{
			Queue:     queue,
			Pending:   pending,
			Conflicts: conflicts,
			Stats:     stats,
			Offline:   client.Offline(),
		})
	}

	if client.Offline() {
		printWarning(out, "Offline mode: LEDGERHUB_URL not configured")
	}

	fmt.Fprintf(out, "%s %d pending, %d in progress, %d failed\n",
		renderLabel("Queue:"), queue.Pending, queue.InProgress, queue.Failed)

	if len(pending) == 0 {
		printSuccess(out, "All records synced")
	} else {
		fmt.Fprintln(out, renderLabel("Unpushed records:"))
		for _, entityType := range driftsync.EntityOrder {
			if n := pending[entityType]; n > 0 {
				fmt.Fprintf(out, "  %-16s %d\n", entityType, n)
			}
		}
	}

	if conflicts > 0 {
		printWarning(out, "%d conflicts awaiting review", conflicts)
	}

	if stats.TotalSyncs > 0 {
		printMuted(out, fmt.Sprintf("%d syncs (%d ok, %d failed), last %s",
			stats.TotalSyncs, stats.SuccessfulSyncs, stats.FailedSyncs,
			stats.LastSync.Format("2006-01-02 15:04:05")))
	}
	return nil
}
