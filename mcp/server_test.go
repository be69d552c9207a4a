package mcp_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucentapps/driftsync"
	driftsyncmcp "github.com/lucentapps/driftsync/mcp"
)

func newTestServer(t *testing.T) (*driftsyncmcp.Server, *driftsync.Client) {
	t.Helper()
	client, err := driftsync.New(driftsync.Config{
		LocalPath: filepath.Join(t.TempDir(), "ledger.db"),
	})
	if err != nil {
		t.Fatalf("driftsync.New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return driftsyncmcp.NewServer(client), client
}

// TestServer_NewServer tests that a server can be created with a valid client.
func TestServer_NewServer(t *testing.T) {
	server, _ := newTestServer(t)
	if server == nil {
		t.Fatal("NewServer() returned nil")
	}
}

// TestServer_ToolsList tests that all required tools are registered.
func TestServer_ToolsList(t *testing.T) {
	server, _ := newTestServer(t)
	tools := server.ListTools()

	expectedTools := []string{"driftsync_sync", "driftsync_status", "driftsync_conflicts", "driftsync_resolve"}
	if len(tools) != len(expectedTools) {
		t.Errorf("ListTools() returned %d tools, want %d", len(tools), len(expectedTools))
	}

	toolNames := make(map[string]bool)
	for _, tool := range tools {
		toolNames[tool.Name] = true
	}
	for _, expected := range expectedTools {
		if !toolNames[expected] {
			t.Errorf("Tool %q not found in registered tools", expected)
		}
	}
}

// TestTool_Status_Empty tests status reporting on a fresh database.
func TestTool_Status_Empty(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_status", nil)
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("status reported error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "Queue: 0 pending") {
		t.Errorf("unexpected content: %s", result.Content)
	}
	if !strings.Contains(result.Content, "All records synced") {
		t.Errorf("unexpected content: %s", result.Content)
	}
}

// TestTool_Status_ReportsUnpushed tests that queued local work shows up.
func TestTool_Status_ReportsUnpushed(t *testing.T) {
	server, client := newTestServer(t)

	err := client.CreateRecord(&driftsync.Record{
		EntityType: driftsync.EntityClients,
		Name:       "Acme",
		Fields:     map[string]any{"name": "Acme"},
	}, driftsync.PriorityMedium)
	if err != nil {
		t.Fatalf("CreateRecord() returned error: %v", err)
	}

	result, err := server.CallTool(context.Background(), "driftsync_status", nil)
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !strings.Contains(result.Content, "Queue: 1 pending") {
		t.Errorf("queue depth missing: %s", result.Content)
	}
	if !strings.Contains(result.Content, "clients: 1") {
		t.Errorf("unpushed count missing: %s", result.Content)
	}
}

// TestTool_Sync_OfflineError tests the error path without a remote.
func TestTool_Sync_OfflineError(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_sync", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for offline sync")
	}
	if !strings.Contains(result.Content, "offline") {
		t.Errorf("unexpected content: %s", result.Content)
	}
}

// TestTool_Sync_UnknownMode tests mode validation.
func TestTool_Sync_UnknownMode(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_sync", map[string]any{
		"mode": "sideways",
	})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "unknown mode") {
		t.Errorf("result = %+v", result)
	}
}

// TestTool_Conflicts_Empty tests the empty review queue message.
func TestTool_Conflicts_Empty(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_conflicts", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("conflicts reported error: %s", result.Content)
	}
	if result.Content != "No conflicts awaiting review" {
		t.Errorf("content = %q", result.Content)
	}
}

// TestTool_Resolve_MissingArguments tests required-argument validation.
func TestTool_Resolve_MissingArguments(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_resolve", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "conflict_id is required") {
		t.Errorf("result = %+v", result)
	}

	result, err = server.CallTool(context.Background(), "driftsync_resolve", map[string]any{
		"conflict_id": "01ARZ3",
	})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "choice is required") {
		t.Errorf("result = %+v", result)
	}
}

// TestTool_Resolve_InvalidPayload tests merged_payload parsing.
func TestTool_Resolve_InvalidPayload(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_resolve", map[string]any{
		"conflict_id":    "01ARZ3",
		"choice":         "merged",
		"merged_payload": "{not json",
	})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid merged_payload") {
		t.Errorf("result = %+v", result)
	}
}

// TestTool_Resolve_UnknownConflict tests the lookup failure path.
func TestTool_Resolve_UnknownConflict(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_resolve", map[string]any{
		"conflict_id": "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"choice":      "local",
	})
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "resolve failed") {
		t.Errorf("result = %+v", result)
	}
}

// TestServer_UnknownTool tests the dispatch fallback.
func TestServer_UnknownTool(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.CallTool(context.Background(), "driftsync_teleport", nil)
	if err != nil {
		t.Fatalf("CallTool() returned error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "unknown tool") {
		t.Errorf("result = %+v", result)
	}
}
