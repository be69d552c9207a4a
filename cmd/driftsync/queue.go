package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the sync queue",
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List terminally failed queue items",
	RunE:  runQueueFailed,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed items to the queue with a fresh retry budget",
	RunE:  runQueueRetry,
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge old resolved conflicts and failed queue items",
	RunE:  runQueueSweep,
}

func init() {
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueSweepCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueFailed(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	items, err := client.FailedItems()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		printSuccess(out, "No failed items")
		return nil
	}

	printWarning(out, "%d failed items", len(items))
	for _, item := range items {
		fmt.Fprintf(out, "  #%d %s %s/%d (%d attempts)\n",
			item.ID, item.Operation, item.EntityType, item.EntityID, item.RetryCount)
		if item.LastError != "" {
			printMuted(out, fmt.Sprintf("    %s", item.LastError))
		}
	}
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	n, err := client.RetryFailed()
	if err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Requeued %d failed items", n)
	return nil
}

func runQueueSweep(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	conflicts, items, err := client.Sweep()
	if err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Purged %d resolved conflicts and %d failed items", conflicts, items)
	return nil
}
