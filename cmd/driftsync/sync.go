package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucentapps/driftsync"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with LedgerHub",
	Long: `Push queued local mutations to LedgerHub, then pull and reconcile
remote changes.

Example:
  driftsync sync                      # Full sync (push + pull)
  driftsync sync --push               # Push local changes only
  driftsync sync --pull               # Pull remote changes only
  driftsync sync --entity invoices    # Pull one entity type`,
	RunE: runSync,
}

var (
	syncPush   bool
	syncPull   bool
	syncEntity string
)

func init() {
	syncCmd.Flags().BoolVar(&syncPush, "push", false, "Push local changes only")
	syncCmd.Flags().BoolVar(&syncPull, "pull", false, "Pull remote changes only")
	syncCmd.Flags().StringVar(&syncEntity, "entity", "", "Limit to one entity type")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.RemoteURL == "" {
		return fmt.Errorf("LEDGERHUB_URL not configured")
	}

	client, err := driftsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	start := time.Now()

	if syncEntity != "" {
		counts, err := client.SyncEntity(driftsync.EntityType(syncEntity))
		if err != nil {
			return err
		}
		printSuccess(out, "Synced %s: pulled %d, imported %d, merged %d, conflicts %d (took %s)",
			syncEntity, counts.Pulled, counts.Imported, counts.Merged, counts.Conflicts,
			time.Since(start).Round(time.Millisecond))
		return nil
	}

	if syncPush && !syncPull {
		printInfo(out, "Pushing local changes...")
		pushed, err := client.SyncPush()
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		printSuccess(out, "Pushed %d mutations (took %s)", pushed, time.Since(start).Round(time.Millisecond))
		return nil
	}

	if syncPull && !syncPush {
		printInfo(out, "Pulling remote changes...")
		counts, err := client.SyncPull()
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		printSuccess(out, "Pulled %d: imported %d, merged %d, conflicts %d (took %s)",
			counts.Pulled, counts.Imported, counts.Merged, counts.Conflicts,
			time.Since(start).Round(time.Millisecond))
		return nil
	}

	printInfo(out, "Starting full sync...")
	report, err := client.SyncNow()
	if err != nil {
		return err
	}

	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printSuccess(out, "Sync complete (took %s)", report.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  %s %d\n", renderLabel("pushed:"), report.Pushed)
	fmt.Fprintf(out, "  %s %d\n", renderLabel("pulled:"), report.Pulled)
	fmt.Fprintf(out, "  %s %d\n", renderLabel("imported:"), report.Imported)
	fmt.Fprintf(out, "  %s %d\n", renderLabel("merged:"), report.Merged)
	if report.Conflicts > 0 {
		printWarning(out, "%d conflicts need review (driftsync conflicts)", report.Conflicts)
	}
	if report.Errors > 0 {
		printWarning(out, "%d items failed this pass", report.Errors)
	}
	return nil
}
