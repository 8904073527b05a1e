package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/testutil"
)

func newTestHub(t *testing.T) *WebSocketHub {
	t.Helper()

	database, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	eb := eventbus.NewEventBus(database)
	t.Cleanup(eb.Shutdown)

	hub := NewWebSocketHub(eb)
	// Give the hub's run goroutine time to start
	time.Sleep(10 * time.Millisecond)
	return hub
}

// dialHub connects a client websocket whose server side is registered
// with the hub.
func dialHub(t *testing.T, hub *WebSocketHub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.register <- ws

		for {
			_, _, err := ws.ReadMessage()
			if err != nil {
				hub.unregister <- ws
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	// Wait for registration
	time.Sleep(50 * time.Millisecond)
	return ws
}

func TestWebSocketHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0 for empty hub", hub.ClientCount())
	}

	ws := dialHub(t, hub)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1 after registration", hub.ClientCount())
	}

	ws.Close()
	time.Sleep(100 * time.Millisecond)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0 after unregistration", hub.ClientCount())
	}
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := newTestHub(t)
	ws := dialHub(t, hub)

	hub.broadcast <- map[string]interface{}{
		"type": "test",
		"data": "hello world",
	}

	received := make(chan map[string]interface{}, 1)
	go func() {
		var msg map[string]interface{}
		if err := ws.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	select {
	case msg := <-received:
		if msg["type"] != "test" {
			t.Errorf("Received message type = %v, want 'test'", msg["type"])
		}
		if msg["data"] != "hello world" {
			t.Errorf("Received message data = %v, want 'hello world'", msg["data"])
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for broadcast message")
	}
}

func TestWebSocketHub_EventBroadcast(t *testing.T) {
	hub := newTestHub(t)
	ws := dialHub(t, hub)

	received := make(chan map[string]interface{}, 10)
	go func() {
		for {
			var msg map[string]interface{}
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	}()

	// Sync lifecycle events flow to connected clients
	_ = hub.eventBus.Publish(domain.Event{
		EventType:     domain.SyncStarted,
		AggregateType: "sync",
		AggregateID:   "run-1",
		EventData:     map[string]interface{}{"providers": 2},
	})

	select {
	case msg := <-received:
		if msg["type"] != "event" {
			t.Errorf("Received message type = %v, want 'event'", msg["type"])
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("Timeout waiting for event broadcast")
	}
}

func TestWebSocketHub_HandleConnection(t *testing.T) {
	hub := newTestHub(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		hub.HandleConnection(c)
	})

	server := httptest.NewServer(r)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v (resp=%v)", err, resp)
	}
	defer ws.Close()

	time.Sleep(50 * time.Millisecond)

	// First message is the initial ping
	var msg map[string]interface{}
	_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read initial message: %v", err)
	}
	if msg["type"] != "ping" {
		t.Errorf("First message type = %v, want 'ping'", msg["type"])
	}

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}
}

// =============================================================================
// Upgrader CORS
// =============================================================================

func TestGetWebSocketUpgrader_WildcardCORS(t *testing.T) {
	os.Setenv("CHRONICARR_CORS_ORIGIN", "*")
	defer os.Unsetenv("CHRONICARR_CORS_ORIGIN")

	upgrader := getWebSocketUpgrader()

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://any-origin.example.com")

	if !upgrader.CheckOrigin(req) {
		t.Error("Wildcard CORS should allow any origin")
	}
}

func TestGetWebSocketUpgrader_SpecificOrigins(t *testing.T) {
	os.Setenv("CHRONICARR_CORS_ORIGIN", "https://allowed1.com,https://allowed2.com")
	defer os.Unsetenv("CHRONICARR_CORS_ORIGIN")

	upgrader := getWebSocketUpgrader()

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://allowed1.com", true},
		{"https://allowed2.com", true},
		{"https://notallowed.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			if got := upgrader.CheckOrigin(req); got != tt.allowed {
				t.Errorf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.allowed)
			}
		})
	}
}

func TestGetWebSocketUpgrader_NoCORS_SameOrigin(t *testing.T) {
	os.Unsetenv("CHRONICARR_CORS_ORIGIN")

	upgrader := getWebSocketUpgrader()

	req1 := httptest.NewRequest("GET", "/ws", nil)
	req1.Host = "localhost:8080"
	if !upgrader.CheckOrigin(req1) {
		t.Error("Same-origin request (no Origin header) should be allowed")
	}

	req2 := httptest.NewRequest("GET", "/ws", nil)
	req2.Host = "localhost:8080"
	req2.Header.Set("Origin", "http://localhost:8080")
	if !upgrader.CheckOrigin(req2) {
		t.Error("Same-origin request should be allowed")
	}
}
