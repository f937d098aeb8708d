package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipewatch/pipewatch/internal/ci"
	"github.com/pipewatch/pipewatch/internal/updates"
	wsHub "github.com/pipewatch/pipewatch/internal/ws"
)

// --- helpers ----------------------------------------------------------------

// startHub starts a test HTTP server with the hub as its handler.
// Returns the ws:// URL, the hub, and the Run loop's cancel function.
func startHub(t *testing.T) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New()
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one text message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return msg
}

// waitForCount polls hub.Count until it reaches want or the deadline passes.
func waitForCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), want)
}

// --- tests ------------------------------------------------------------------

func TestHub_BroadcastReachesClient(t *testing.T) {
	wsURL, hub, _ := startHub(t)
	conn := dial(t, wsURL)
	waitForCount(t, hub, 1)

	change := updates.StatusChange{
		Key:   ci.RunKey{ProjectID: "p", PipelineID: "pl", RunID: "r1"},
		State: ci.RunStateCompleted,
	}
	hub.Broadcast("run_status_changed", change)

	msg := readMessage(t, conn)
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != "run_status_changed" {
		t.Errorf("event: got %v, want run_status_changed", m["event"])
	}
	data, ok := m["data"].(map[string]interface{})
	if !ok {
		t.Fatal("data: missing or wrong type")
	}
	if data["state"] != "completed" {
		t.Errorf("state: got %v, want completed", data["state"])
	}
}

func TestHub_AllClientsReceiveBroadcast(t *testing.T) {
	wsURL, hub, _ := startHub(t)

	conns := make([]*websocket.Conn, 3)
	for i := 0; i < 3; i++ {
		conns[i] = dial(t, wsURL)
	}
	waitForCount(t, hub, 3)

	hub.Broadcast("pipeline_runs", []ci.Run{{ID: "r1"}})

	for i, conn := range conns {
		msg := readMessage(t, conn)
		var m map[string]interface{}
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Errorf("client %d: unmarshal: %v", i, err)
			continue
		}
		if m["event"] != "pipeline_runs" {
			t.Errorf("client %d: event: got %v, want pipeline_runs", i, m["event"])
		}
	}
}

func TestHub_CountDecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t)

	conn := dial(t, wsURL)
	waitForCount(t, hub, 1)

	conn.Close()
	waitForCount(t, hub, 0)
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t)

	dial(t, wsURL)
	waitForCount(t, hub, 1)

	cancel()
	waitForCount(t, hub, 0)
}

func TestHub_BroadcastWithNoClients(t *testing.T) {
	hub := wsHub.New()
	// Must not panic or block.
	hub.Broadcast("run_status_changed", updates.StatusChange{})
	if n := hub.Count(); n != 0 {
		t.Errorf("Count: got %d, want 0", n)
	}
}

// Engine callbacks broadcast from multiple poll goroutines while clients
// come and go, so parallel Broadcast calls racing disconnects is the normal
// operating mode. None of the connections below ever read, which forces the
// slow-client disconnect path to race the client-side closes.
func TestHub_ConcurrentBroadcastAndDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t)

	const clients = 16
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = dial(t, wsURL)
	}
	waitForCount(t, hub, clients)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				hub.Broadcast("pipeline_runs", []ci.Run{{ID: "r1"}})
			}
		}()
	}
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close()
		}()
	}
	wg.Wait()

	waitForCount(t, hub, 0)

	// Broadcasting after every client is gone must still be safe.
	hub.Broadcast("run_status_changed", updates.StatusChange{})
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
