package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
)

func seedSyncRun(t *testing.T, database *sql.DB, runID, provider, status string, items int) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO sync_runs (run_id, provider, status, users_synced, items_synced, media_created, started_at, completed_at)
		VALUES (?, ?, ?, 1, ?, 0, CURRENT_TIMESTAMP, CASE WHEN ? = 'running' THEN NULL ELSE CURRENT_TIMESTAMP END)
	`, runID, provider, status, items, status)
	if err != nil {
		t.Fatalf("Failed to seed sync run: %v", err)
	}
}

// =============================================================================
// Trigger
// =============================================================================

func TestTriggerSync(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	rec := authedRequest(s, http.MethodPost, "/api/sync", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["message"] != "Sync started" {
		t.Errorf("message = %v", body["message"])
	}
}

func TestTriggerSyncWithProvider(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	rec := authedRequest(s, http.MethodPost, "/api/sync", map[string]string{"provider": "living-room"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", rec.Code)
	}
	if body := decodeBody(t, rec); body["provider"] != "living-room" {
		t.Errorf("provider = %v, want living-room", body["provider"])
	}
}

// =============================================================================
// Run listing
// =============================================================================

func TestGetSyncRuns(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)
	seedSyncRun(t, database, "run-1", "jellyfin-main", "completed", 12)
	seedSyncRun(t, database, "run-2", "plex-main", "failed", 0)
	seedSyncRun(t, database, "run-3", "jellyfin-main", "running", 0)

	rec := authedRequest(s, http.MethodGet, "/api/sync/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d", rec.Code)
	}

	var resp struct {
		Runs       []syncRunRow           `json:"runs"`
		Pagination map[string]interface{} `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.Runs) != 3 {
		t.Fatalf("Got %d runs, want 3", len(resp.Runs))
	}

	for _, run := range resp.Runs {
		if run.Status == "running" && run.CompletedAt != nil {
			t.Error("Running run should have null completed_at")
		}
		if run.Status == "completed" && run.CompletedAt == nil {
			t.Error("Completed run should have completed_at set")
		}
	}
}

func TestGetSyncRunsFilters(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)
	seedSyncRun(t, database, "run-1", "jellyfin-main", "completed", 12)
	seedSyncRun(t, database, "run-2", "plex-main", "failed", 0)
	seedSyncRun(t, database, "run-3", "jellyfin-main", "failed", 0)

	rec := authedRequest(s, http.MethodGet, "/api/sync/runs?status=failed", nil)
	var resp struct {
		Runs []syncRunRow `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Errorf("status=failed returned %d runs, want 2", len(resp.Runs))
	}

	rec = authedRequest(s, http.MethodGet, "/api/sync/runs?status=failed&provider=plex-main", nil)
	resp.Runs = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("Combined filter returned %d runs, want 1", len(resp.Runs))
	}
	if resp.Runs[0].RunID != "run-2" {
		t.Errorf("RunID = %s, want run-2", resp.Runs[0].RunID)
	}
}

func TestGetSyncRunByID(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)
	seedSyncRun(t, database, "run-abc", "jellyfin-main", "completed", 7)

	rec := authedRequest(s, http.MethodGet, "/api/sync/runs/run-abc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d", rec.Code)
	}
	var run syncRunRow
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if run.RunID != "run-abc" || run.ItemsSynced != 7 {
		t.Errorf("Got run %+v", run)
	}

	rec = authedRequest(s, http.MethodGet, "/api/sync/runs/no-such-run", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Unknown run: status = %d, want 404", rec.Code)
	}
}
