package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testEnv sets up a test environment with a temporary database.
// Returns a cleanup function.
func testEnv(t *testing.T) func() {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// Save original env
	origDBPath := os.Getenv("DRIFTSYNC_DB_PATH")
	origHubURL := os.Getenv("LEDGERHUB_URL")
	origAPIKey := os.Getenv("LEDGERHUB_API_KEY")
	origSourceID := os.Getenv("DRIFTSYNC_SOURCE_ID")

	// Set test env
	os.Setenv("DRIFTSYNC_DB_PATH", dbPath)
	os.Setenv("LEDGERHUB_URL", "")
	os.Setenv("LEDGERHUB_API_KEY", "")
	os.Setenv("DRIFTSYNC_SOURCE_ID", "test-client")

	resetFlags := func() {
		cfgDBPath = ""
		cfgRemoteURL = ""
		cfgAPIKey = ""
		outputJSON = false
		syncPush = false
		syncPull = false
		syncEntity = ""
		conflictsEntity = ""
		resolvePayload = ""
		resolveNotes = ""
		resolveAs = ""
		historyLimit = 20
	}
	resetFlags()

	return func() {
		os.Setenv("DRIFTSYNC_DB_PATH", origDBPath)
		os.Setenv("LEDGERHUB_URL", origHubURL)
		os.Setenv("LEDGERHUB_API_KEY", origAPIKey)
		os.Setenv("DRIFTSYNC_SOURCE_ID", origSourceID)
		resetFlags()
	}
}

func TestCLI_Help_ListsAllCommands(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"--help"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	expectedCommands := []string{"sync", "status", "conflicts", "resolve", "queue", "mcp", "version"}

	for _, cmd := range expectedCommands {
		if !strings.Contains(output, cmd) {
			t.Errorf("--help output should contain %q command", cmd)
		}
	}
}

func TestCLI_Version_ShowsBuildInfo(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"version"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "driftsync "+version) {
		t.Errorf("output should contain version line, got: %s", output)
	}
	if !strings.Contains(output, "commit:") || !strings.Contains(output, "go:") {
		t.Errorf("output should contain build details, got: %s", output)
	}
}

func TestCLI_Status_EmptyDatabase(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"status"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "Queue:") {
		t.Errorf("output should report queue depth, got: %s", output)
	}
	if !strings.Contains(output, "All records synced") {
		t.Errorf("empty database should report synced, got: %s", output)
	}
	if !strings.Contains(output, "Offline mode") {
		t.Errorf("output should warn about missing remote, got: %s", output)
	}
}

func TestCLI_Status_JSON(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"status", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var status statusOutput
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		t.Fatalf("output should be valid JSON: %v", err)
	}
	if !status.Offline {
		t.Error("status should report offline without a remote URL")
	}
	if status.Queue.Pending != 0 || status.Conflicts != 0 {
		t.Errorf("fresh database should be empty, got %+v", status)
	}
}

func TestCLI_Sync_RequiresRemote(t *testing.T) {
	defer testEnv(t)()

	rootCmd.SetArgs([]string{"sync"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error without LEDGERHUB_URL")
	}
	if !strings.Contains(err.Error(), "LEDGERHUB_URL") {
		t.Errorf("error should mention LEDGERHUB_URL, got: %v", err)
	}
}

func TestCLI_Conflicts_Empty(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"conflicts"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "No conflicts awaiting review") {
		t.Errorf("output should report empty backlog, got: %s", stdout.String())
	}
}

func TestCLI_Resolve_RequiresArgs(t *testing.T) {
	defer testEnv(t)()

	rootCmd.SetArgs([]string{"resolve"})

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing conflict id and choice")
	}
}

func TestCLI_Resolve_InvalidPayload(t *testing.T) {
	defer testEnv(t)()

	rootCmd.SetArgs([]string{"resolve", "01JUNKNOWN", "merged", "--payload", "{not json"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !strings.Contains(err.Error(), "--payload") {
		t.Errorf("error should mention --payload, got: %v", err)
	}
}

func TestCLI_History_RejectsSingleArg(t *testing.T) {
	defer testEnv(t)()

	rootCmd.SetArgs([]string{"conflicts", "history", "invoices"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for entity type without local id")
	}
	if !strings.Contains(err.Error(), "local id") {
		t.Errorf("error should explain the argument pair, got: %v", err)
	}
}

func TestCLI_History_Empty(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"conflicts", "history"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout.String(), "No conflicts recorded") {
		t.Errorf("output should report empty trail, got: %s", stdout.String())
	}
}

func TestCLI_Queue_SweepEmptyDatabase(t *testing.T) {
	defer testEnv(t)()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"queue", "sweep"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout.String(), "Purged 0 resolved conflicts and 0 failed items") {
		t.Errorf("sweep of fresh database should purge nothing, got: %s", stdout.String())
	}
}

func TestCLI_Config_FlagOverridesEnv(t *testing.T) {
	defer testEnv(t)()

	os.Setenv("DRIFTSYNC_DB_PATH", "/env/path.db")

	tmpDir := t.TempDir()
	flagPath := filepath.Join(tmpDir, "flag.db")
	cfgDBPath = flagPath

	cfg := loadConfig()
	if cfg.LocalPath != flagPath {
		t.Errorf("flag should override env, got LocalPath=%s, want %s", cfg.LocalPath, flagPath)
	}
}

func TestCLI_Config_EnvFallback(t *testing.T) {
	defer testEnv(t)()

	envPath := "/env/fallback.db"
	os.Setenv("DRIFTSYNC_DB_PATH", envPath)
	cfgDBPath = "" // No flag set

	cfg := loadConfig()
	if cfg.LocalPath != envPath {
		t.Errorf("should use env when flag not set, got LocalPath=%s, want %s", cfg.LocalPath, envPath)
	}
}

func TestCLI_Config_DisablesBackgroundSync(t *testing.T) {
	defer testEnv(t)()

	cfg := loadConfig()
	if cfg.AutoSync {
		t.Error("one-shot CLI invocations must not start the background loop")
	}
}
