package notifier

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/testutil"
)

func newNotifierTest(t *testing.T) (*Notifier, *sql.DB, *testutil.MockEventBus, *testutil.MockClock) {
	t.Helper()

	database, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	bus := testutil.NewMockEventBus()
	clk := testutil.NewMockClock()
	n := NewNotifier(database, bus)
	n.SetClock(clk)
	return n, database, bus, clk
}

// =============================================================================
// Event groups
// =============================================================================

func TestGetEventGroups(t *testing.T) {
	groups := GetEventGroups()

	groupNames := make(map[string]bool)
	all := make(map[string]bool)
	for _, g := range groups {
		groupNames[g.Name] = true
		for _, e := range g.Events {
			all[e.Name] = true
		}
	}

	for _, name := range []string{"Sync Events", "Provider Events", "Library Events", "Enrichment Events"} {
		if !groupNames[name] {
			t.Errorf("Expected event group %q", name)
		}
	}

	for _, event := range []string{
		string(domain.SyncStarted),
		string(domain.SyncCompleted),
		string(domain.SyncFailed),
		string(domain.ProviderSyncFailed),
		string(domain.MediaCreated),
		string(domain.WatchRecorded),
		string(domain.EnrichmentFailed),
	} {
		if !all[event] {
			t.Errorf("Event %q should be subscribable", event)
		}
	}

	// Sending a notification about a notification would loop
	if all[string(domain.NotificationSent)] || all[string(domain.NotificationFailed)] {
		t.Error("Notification outcome events must not be subscribable")
	}
}

// =============================================================================
// Config loading
// =============================================================================

func TestLoadConfigsSkipsDisabled(t *testing.T) {
	n, database, _, _ := newNotifierTest(t)

	_, err := database.Exec(`
		INSERT INTO notifications (id, name, provider_type, config, events, enabled)
		VALUES (1, 'Active', 'ntfy', '{"topic":"chronicarr"}', '["SyncCompleted"]', 1),
		       (2, 'Paused', 'discord', '{}', '[]', 0)
	`)
	if err != nil {
		t.Fatalf("Failed to seed notifications: %v", err)
	}

	if err := n.loadConfigs(); err != nil {
		t.Fatalf("loadConfigs failed: %v", err)
	}
	if len(n.configs) != 1 {
		t.Fatalf("Expected 1 config, got %d", len(n.configs))
	}
	if n.configs[1].Name != "Active" {
		t.Errorf("Loaded config name = %q", n.configs[1].Name)
	}
}

func TestStartStop(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n.Stop()
}

func TestReloadConfigsDoesNotBlock(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer n.Stop()

	n.ReloadConfigs()
	n.ReloadConfigs()
	n.ReloadConfigs()
}

// =============================================================================
// Event filtering and throttling
// =============================================================================

func TestShouldNotify(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	cfg := &NotificationConfig{
		Events: []string{string(domain.SyncCompleted), string(domain.MediaCreated)},
	}

	if !n.shouldNotify(cfg, string(domain.SyncCompleted)) {
		t.Error("SyncCompleted should notify")
	}
	if !n.shouldNotify(cfg, string(domain.MediaCreated)) {
		t.Error("MediaCreated should notify")
	}
	if n.shouldNotify(cfg, string(domain.SyncStarted)) {
		t.Error("SyncStarted is not in the config's event list")
	}
}

func TestThrottleWindow(t *testing.T) {
	n, _, _, clk := newNotifierTest(t)

	if !n.canSend(1, 60) {
		t.Error("First send should always be allowed")
	}

	n.mu.Lock()
	n.lastSent[1] = clk.Now()
	n.mu.Unlock()

	if n.canSend(1, 60) {
		t.Error("Send inside the throttle window should be blocked")
	}

	clk.Advance(61 * time.Second)
	if !n.canSend(1, 60) {
		t.Error("Send after the throttle window should be allowed")
	}
}

func TestZeroThrottleAlwaysSends(t *testing.T) {
	n, _, _, clk := newNotifierTest(t)

	n.mu.Lock()
	n.lastSent[1] = clk.Now()
	n.mu.Unlock()

	if !n.canSend(1, 0) {
		t.Error("Zero throttle should always allow sending")
	}
}

// =============================================================================
// Generic webhook delivery
// =============================================================================

func TestGenericWebhookDelivery(t *testing.T) {
	n, database, bus, _ := newNotifierTest(t)

	var payload GenericWebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &NotificationConfig{
		ID:           1,
		Name:         "Webhook",
		ProviderType: ProviderGeneric,
		Config:       json.RawMessage(fmt.Sprintf(`{"webhook_url":%q}`, server.URL)),
		Events:       []string{string(domain.SyncCompleted)},
	}
	mustExecNotifier(t, database,
		"INSERT INTO notifications (id, name, provider_type, config, events) VALUES (1, 'Webhook', 'generic', ?, '[]')",
		string(cfg.Config))

	n.sendNotification(cfg, string(domain.SyncCompleted), map[string]interface{}{
		"run_id":        "run-1",
		"users_synced":  int64(2),
		"items_synced":  int64(7),
		"media_created": int64(3),
	})

	if payload.Source != "chronicarr" {
		t.Errorf("Payload source = %q", payload.Source)
	}
	if payload.Event != string(domain.SyncCompleted) {
		t.Errorf("Payload event = %q", payload.Event)
	}
	if payload.Data["run_id"] != "run-1" {
		t.Errorf("Payload run_id = %v", payload.Data["run_id"])
	}
	if !strings.Contains(payload.Message, "7 items") {
		t.Errorf("Payload message = %q", payload.Message)
	}

	var success bool
	var eventType string
	err := database.QueryRow("SELECT event_type, success FROM notification_log WHERE notification_id = 1").Scan(&eventType, &success)
	if err != nil {
		t.Fatalf("Expected a notification_log row: %v", err)
	}
	if !success || eventType != string(domain.SyncCompleted) {
		t.Errorf("Log row = %q success=%v", eventType, success)
	}

	sent := bus.GetEvents(domain.NotificationSent)
	if len(sent) != 1 {
		t.Fatalf("Expected 1 NotificationSent event, got %d", len(sent))
	}
	if got := sent[0].GetStringOr("provider", ""); got != "Generic Webhook" {
		t.Errorf("Event provider = %q", got)
	}
	if got := sent[0].GetStringOr("trigger_event", ""); got != string(domain.SyncCompleted) {
		t.Errorf("Event trigger_event = %q", got)
	}
}

func TestGenericWebhookFailureIsLogged(t *testing.T) {
	n, database, bus, _ := newNotifierTest(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := &NotificationConfig{
		ID:           1,
		Name:         "Broken",
		ProviderType: ProviderGeneric,
		Config:       json.RawMessage(fmt.Sprintf(`{"webhook_url":%q}`, server.URL)),
	}
	mustExecNotifier(t, database,
		"INSERT INTO notifications (id, name, provider_type, config, events) VALUES (1, 'Broken', 'generic', ?, '[]')",
		string(cfg.Config))

	n.sendNotification(cfg, string(domain.SyncFailed), map[string]interface{}{"error": "all providers failed"})

	var success bool
	var errMsg string
	err := database.QueryRow("SELECT success, error FROM notification_log WHERE notification_id = 1").Scan(&success, &errMsg)
	if err != nil {
		t.Fatalf("Expected a notification_log row: %v", err)
	}
	if success {
		t.Error("Failed delivery should be logged as unsuccessful")
	}
	if !strings.Contains(errMsg, "500") {
		t.Errorf("Log error = %q", errMsg)
	}

	failed := bus.GetEvents(domain.NotificationFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 NotificationFailed event, got %d", len(failed))
	}
}

func TestEventDrivenDelivery(t *testing.T) {
	n, database, bus, _ := newNotifierTest(t)

	received := make(chan GenericWebhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p GenericWebhookPayload
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mustExecNotifier(t, database,
		"INSERT INTO notifications (id, name, provider_type, config, events) VALUES (1, 'Webhook', 'generic', ?, ?)",
		fmt.Sprintf(`{"webhook_url":%q}`, server.URL),
		fmt.Sprintf(`["%s"]`, domain.MediaCreated))

	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer n.Stop()

	_ = bus.Publish(domain.Event{
		AggregateType: "media",
		AggregateID:   "42",
		EventType:     domain.MediaCreated,
		EventData: map[string]interface{}{
			"provider":   "plex-den",
			"title":      "Severance",
			"media_type": "tv",
		},
	})

	select {
	case p := <-received:
		if !strings.Contains(p.Title, "Severance") {
			t.Errorf("Payload title = %q", p.Title)
		}
		if p.Data["provider"] != "plex-den" {
			t.Errorf("Payload provider = %v", p.Data["provider"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Webhook was never called")
	}
}

// =============================================================================
// Message formatting
// =============================================================================

func TestFormatMessage(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	tests := []struct {
		eventType string
		data      map[string]interface{}
		contains  []string
	}{
		{
			eventType: string(domain.SyncStarted),
			data:      map[string]interface{}{},
			contains:  []string{"Sync started", "all providers"},
		},
		{
			eventType: string(domain.SyncStarted),
			data:      map[string]interface{}{"provider": "trakt-primary"},
			contains:  []string{"Sync started", "trakt-primary"},
		},
		{
			eventType: string(domain.SyncCompleted),
			data:      map[string]interface{}{"users_synced": 3, "items_synced": 20, "media_created": 4},
			contains:  []string{"Sync complete", "3 users", "20 items", "4 new titles"},
		},
		{
			eventType: string(domain.SyncFailed),
			data:      map[string]interface{}{"error": "jellyfin-main: timeout"},
			contains:  []string{"Sync failed", "jellyfin-main: timeout"},
		},
		{
			eventType: string(domain.ProviderSyncCompleted),
			data:      map[string]interface{}{"provider": "plex-den", "users_synced": 1, "items_synced": 5, "media_created": 2},
			contains:  []string{"plex-den synced", "5 items"},
		},
		{
			eventType: string(domain.ProviderSyncFailed),
			data:      map[string]interface{}{"provider": "trakt-primary", "error": "401 unauthorized"},
			contains:  []string{"trakt-primary sync failed", "401 unauthorized"},
		},
		{
			eventType: string(domain.MediaCreated),
			data:      map[string]interface{}{"title": "Dune", "media_type": "movie", "provider": "jellyfin-main"},
			contains:  []string{"New title: Dune", "(movie)", "From jellyfin-main"},
		},
		{
			eventType: string(domain.WatchRecorded),
			data:      map[string]interface{}{"title": "Dune", "watched_by": "erin"},
			contains:  []string{"Watched: Dune", "By erin"},
		},
		{
			eventType: string(domain.EnrichmentFailed),
			data:      map[string]interface{}{"title": "Obscure Film", "error": "no result"},
			contains:  []string{"TMDB lookup failed", "Obscure Film", "no result"},
		},
		{
			eventType: string(domain.ImageCacheMiss),
			data:      map[string]interface{}{"source_url": "http://img.example/p.jpg"},
			contains:  []string{"Poster", "http://img.example/p.jpg"},
		},
		{
			eventType: "UnknownEvent",
			data:      map[string]interface{}{},
			contains:  []string{"Event:", "UnknownEvent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			msg := n.formatMessage(tt.eventType, tt.data)
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("formatMessage() = %q, should contain %q", msg, s)
				}
			}
		})
	}
}

func TestFormatTitle(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	tests := []struct {
		eventType string
		title     string
		contains  string
	}{
		{string(domain.SyncStarted), "", "Sync Started"},
		{string(domain.SyncCompleted), "", "Sync Complete"},
		{string(domain.SyncFailed), "", "Sync Failed"},
		{string(domain.MediaCreated), "Dune", "New title: Dune"},
		{string(domain.MediaCreated), "", "New Title"},
		{string(domain.WatchRecorded), "", "Watch Recorded"},
		{string(domain.EnrichmentFailed), "", "Enrichment Failed"},
		{"UnknownEvent", "", "UnknownEvent"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got := n.formatTitle(tt.eventType, tt.title)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("formatTitle() = %q, should contain %q", got, tt.contains)
			}
		})
	}
}

func TestBuildShoutrrrURLUnknownProvider(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	cfg := &NotificationConfig{ProviderType: "carrier-pigeon", Config: json.RawMessage(`{}`)}
	if _, err := n.buildShoutrrrURL(cfg); err == nil {
		t.Error("Expected error for unknown provider type")
	}
}

// =============================================================================
// CRUD and logging
// =============================================================================

func TestConfigCRUD(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	cfg := &NotificationConfig{
		Name:            "Nightly digest",
		ProviderType:    ProviderNtfy,
		Config:          json.RawMessage(`{"topic":"chronicarr"}`),
		Events:          []string{string(domain.SyncCompleted)},
		Enabled:         true,
		ThrottleSeconds: 30,
	}

	id, err := n.CreateConfig(cfg)
	if err != nil {
		t.Fatalf("CreateConfig failed: %v", err)
	}
	if id <= 0 {
		t.Fatalf("CreateConfig returned id %d", id)
	}

	got, err := n.GetConfig(id)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if got.Name != "Nightly digest" || got.ProviderType != ProviderNtfy {
		t.Errorf("GetConfig = %+v", got)
	}
	if len(got.Events) != 1 || got.Events[0] != string(domain.SyncCompleted) {
		t.Errorf("Events = %v", got.Events)
	}

	cfg.ID = id
	cfg.Name = "Renamed"
	cfg.ThrottleSeconds = 120
	if err := n.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	got, err = n.GetConfig(id)
	if err != nil {
		t.Fatalf("GetConfig after update failed: %v", err)
	}
	if got.Name != "Renamed" || got.ThrottleSeconds != 120 {
		t.Errorf("Updated config = %+v", got)
	}

	all, err := n.GetAllConfigs()
	if err != nil {
		t.Fatalf("GetAllConfigs failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAllConfigs returned %d configs", len(all))
	}

	if err := n.DeleteConfig(id); err != nil {
		t.Fatalf("DeleteConfig failed: %v", err)
	}
	if _, err := n.GetConfig(id); err == nil {
		t.Error("GetConfig should fail for a deleted config")
	}
}

func TestNotificationLogFilter(t *testing.T) {
	n, database, _, _ := newNotifierTest(t)

	mustExecNotifier(t, database, "INSERT INTO notifications (id, name, provider_type) VALUES (1, 'A', 'ntfy'), (2, 'B', 'discord')")

	n.logNotification(1, string(domain.SyncCompleted), true, "")
	n.logNotification(1, string(domain.SyncFailed), false, "boom")
	n.logNotification(2, string(domain.MediaCreated), true, "")

	entries, err := n.GetNotificationLog(1, 10)
	if err != nil {
		t.Fatalf("GetNotificationLog failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries for notification 1, got %d", len(entries))
	}

	var failures int
	for _, e := range entries {
		if !e.Success {
			failures++
			if e.Error != "boom" {
				t.Errorf("Failure entry error = %q", e.Error)
			}
		}
	}
	if failures != 1 {
		t.Errorf("Expected 1 failed entry, got %d", failures)
	}

	all, err := n.GetNotificationLog(0, 10)
	if err != nil {
		t.Fatalf("GetNotificationLog(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 entries total, got %d", len(all))
	}
}

// =============================================================================
// Provider labels
// =============================================================================

func TestGetProviderLabel(t *testing.T) {
	n, _, _, _ := newNotifierTest(t)

	tests := []struct {
		provider string
		expected string
	}{
		{ProviderDiscord, "Discord"},
		{ProviderNtfy, "ntfy"},
		{ProviderGeneric, "Generic Webhook"},
		{ProviderCustom, "Custom (Shoutrrr URL)"},
		{"unknown", "unknown"},
	}

	for _, tt := range tests {
		if got := n.getProviderLabel(tt.provider); got != tt.expected {
			t.Errorf("getProviderLabel(%q) = %q, want %q", tt.provider, got, tt.expected)
		}
	}
}

func mustExecNotifier(t *testing.T, database *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := database.Exec(query, args...); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
}
