package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestHTTPClient_FindDecodesDocuments verifies the query endpoint, the
// request shape, and timestamp parsing on the way back.
func TestHTTPClient_FindDecodesDocuments(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"documents": []map[string]any{
				{
					"_id":           "hub-1",
					"fields":        map[string]any{"name": "Acme"},
					"last_modified": "2026-02-01T10:00:00.5Z",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "src-1")
	docs, err := c.Find("clients", map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if gotPath != "POST /api/v1/collections/clients/query" {
		t.Errorf("request = %s", gotPath)
	}
	filter, _ := gotBody["filter"].(map[string]any)
	if filter["name"] != "Acme" {
		t.Errorf("filter = %v", gotBody)
	}

	if len(docs) != 1 || docs[0].ID != "hub-1" {
		t.Fatalf("docs = %v", docs)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 500000000, time.UTC)
	if !docs[0].LastModified.Equal(want) {
		t.Errorf("last modified = %v, want %v", docs[0].LastModified, want)
	}
}

// TestHTTPClient_RequestHeaders verifies auth and attribution headers ride
// on every request.
func TestHTTPClient_RequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", "warehouse-3")
	if err := c.Health(); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	if got.Get("Authorization") != "Bearer sekrit" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("User-Agent") != "driftsync-client/1.0" {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	if got.Get("X-Driftsync-Source-ID") != "warehouse-3" {
		t.Errorf("X-Driftsync-Source-ID = %q", got.Get("X-Driftsync-Source-ID"))
	}
}

// TestHTTPClient_InsertReturnsID verifies the create endpoint and that a
// missing id in the response surfaces as an error.
func TestHTTPClient_InsertReturnsID(t *testing.T) {
	empty := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/collections/invoices" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if empty {
			json.NewEncoder(w).Encode(map[string]any{})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"_id": "hub-42"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "")
	id, err := c.Insert("invoices", map[string]any{"invoice_number": "INV-7"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if id != "hub-42" {
		t.Errorf("id = %q", id)
	}

	empty = true
	if _, err := c.Insert("invoices", map[string]any{}); err == nil {
		t.Error("expected error for response without id")
	}
}

// TestHTTPClient_UpdateAndDelete verifies the per-document endpoints.
func TestHTTPClient_UpdateAndDelete(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "")
	if err := c.Update("clients", "hub-1", map[string]any{"name": "Acme"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := c.Delete("clients", "hub-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	want := []string{
		"PUT /api/v1/collections/clients/hub-1",
		"DELETE /api/v1/collections/clients/hub-1",
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

// TestHTTPClient_FindOneNoMatch verifies the sentinel for empty results.
func TestHTTPClient_FindOneNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"documents": []any{}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "")
	if _, err := c.FindOne("clients", map[string]any{"name": "Nobody"}); !errors.Is(err, ErrNoDocument) {
		t.Errorf("err = %v, want ErrNoDocument", err)
	}
}

// TestHTTPClient_ErrorClassification verifies status codes map onto the
// transient/permanent split the retry logic depends on.
func TestHTTPClient_ErrorClassification(t *testing.T) {
	status := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", "")

	cases := []struct {
		status    int
		transient bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{404, false},
		{400, false},
		{401, false},
	}
	for _, tc := range cases {
		status = tc.status
		err := c.Health()
		var re *Error
		if !errors.As(err, &re) {
			t.Fatalf("status %d: err = %v, want *Error", tc.status, err)
		}
		if re.StatusCode != tc.status {
			t.Errorf("status code = %d, want %d", re.StatusCode, tc.status)
		}
		if re.IsTransient() != tc.transient {
			t.Errorf("status %d: transient = %v, want %v", tc.status, re.IsTransient(), tc.transient)
		}
	}
}

// TestHTTPClient_ConnectionFailureIsTransient verifies transport-level
// failures are retryable.
func TestHTTPClient_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewHTTPClient(srv.URL, "key", "")
	err := c.Health()
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if !re.IsTransient() {
		t.Error("connection failure should be transient")
	}
}

// TestHTTPClient_TrimsTrailingSlash verifies base URL normalization.
func TestHTTPClient_TrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "key", "")
	if err := c.Health(); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if gotPath != "/api/v1/health" {
		t.Errorf("path = %s", gotPath)
	}
}
