package main

import (
	"github.com/lucentapps/driftsync"
	"github.com/spf13/cobra"
)

var (
	cfgDBPath    string
	cfgRemoteURL string
	cfgAPIKey    string
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "DriftSync - two-way ledger synchronization CLI",
	Long: `DriftSync keeps a local ledger database in sync with the LedgerHub
document service, detecting field-level conflicts and escalating
money-sensitive divergence for human review.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDBPath, "db-path", "", "Path to local ledger database (default: ~/.driftsync/ledger.db)")
	rootCmd.PersistentFlags().StringVar(&cfgRemoteURL, "remote-url", "", "URL of the LedgerHub service")
	rootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key for LedgerHub authentication")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
}

// loadConfig builds configuration from environment variables, with command
// line flags taking precedence.
func loadConfig() driftsync.Config {
	cfg := driftsync.ConfigFromEnv()

	if cfgDBPath != "" {
		cfg.LocalPath = cfgDBPath
	}
	if cfgRemoteURL != "" {
		cfg.RemoteURL = cfgRemoteURL
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}

	// CLI invocations are one-shot; the background loop only makes sense
	// for long-lived embedders.
	cfg.AutoSync = false
	return cfg
}

func newClient() (*driftsync.Client, error) {
	return driftsync.New(loadConfig())
}
