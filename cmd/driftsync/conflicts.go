package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"github.com/lucentapps/driftsync"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts awaiting review",
	Long: `List conflicts awaiting human review, with both sides of every
disputed field.

Example:
  driftsync conflicts
  driftsync conflicts --entity invoices
  driftsync conflicts history invoices 42`,
	RunE: runConflicts,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id> <local|remote|merged>",
	Short: "Resolve a pending conflict",
	Long: `Resolve a pending conflict by keeping the local payload, the remote
payload, or a merged payload supplied as JSON. The winning payload is
queued for push.

Example:
  driftsync resolve 01J8FK... local
  driftsync resolve 01J8FK... merged --payload '{"amount": 1200}'`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

var historyCmd = &cobra.Command{
	Use:   "history [entity-type local-id]",
	Short: "Show conflict history",
	Long: `Show the conflict audit trail. With no arguments the most recent
conflicts across all entity types are listed; with an entity type and
local id only that entity's trail is shown.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: runHistory,
}

var (
	conflictsEntity string
	resolvePayload  string
	resolveNotes    string
	resolveAs       string
	historyLimit    int
)

func init() {
	conflictsCmd.Flags().StringVar(&conflictsEntity, "entity", "", "Filter to one entity type")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to list for the cross-entity view")
	resolveCmd.Flags().StringVar(&resolvePayload, "payload", "", "Merged payload as JSON (required for merged)")
	resolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "Notes recorded on the conflict")
	resolveCmd.Flags().StringVar(&resolveAs, "as", "", "Resolver identity (default: OS user)")
	conflictsCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	conflicts, err := client.PendingConflicts(driftsync.EntityType(conflictsEntity))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(conflicts)
	}

	if len(conflicts) == 0 {
		printSuccess(out, "No conflicts awaiting review")
		return nil
	}

	printWarning(out, "%d conflicts awaiting review", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(out, "\n%s %s (%s/%d) severity=%s\n",
			renderLabel(c.ID), c.EntityName, c.EntityType, c.EntityID, c.Severity)
		for _, f := range c.ConflictingFields {
			fmt.Fprintf(out, "  %-20s local=%v  remote=%v\n", f, c.LocalPayload[f], c.RemotePayload[f])
		}
		printMuted(out, fmt.Sprintf("  detected %s", c.CreatedAt.Format("2006-01-02 15:04:05")))
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	conflictID, choice := args[0], args[1]

	var merged map[string]any
	if resolvePayload != "" {
		if err := json.Unmarshal([]byte(resolvePayload), &merged); err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
	}

	resolvedBy := resolveAs
	if resolvedBy == "" {
		if u, err := user.Current(); err == nil {
			resolvedBy = u.Username
		} else {
			resolvedBy = os.Getenv("USER")
		}
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	conflict, err := client.ResolveConflict(conflictID, driftsync.Choice(choice), merged, resolvedBy, resolveNotes)
	if err != nil {
		return err
	}

	printSuccess(cmd.OutOrStdout(), "Resolved %s as %s; update queued for push", conflict.ID, conflict.Resolution)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return fmt.Errorf("history needs both an entity type and a local id, or neither")
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	var history []*driftsync.ConflictRecord
	if len(args) == 2 {
		entityType := driftsync.EntityType(args[0])
		var localID int64
		if _, err := fmt.Sscanf(args[1], "%d", &localID); err != nil {
			return fmt.Errorf("invalid local id %q", args[1])
		}
		history, err = client.ConflictHistory(entityType, localID)
	} else {
		history, err = client.RecentConflicts(historyLimit)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	if len(history) == 0 {
		printInfo(out, "No conflicts recorded")
		return nil
	}

	for _, c := range history {
		fmt.Fprintf(out, "%s  %-16s severity=%-8s %s\n",
			c.CreatedAt.Format("2006-01-02 15:04:05"), c.Resolution, c.Severity, c.ID)
		if c.ResolvedBy != "" {
			printMuted(out, fmt.Sprintf("  resolved by %s (%s)", c.ResolvedBy, c.Winner))
		}
	}
	return nil
}
