package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"remote-access-service/internal/debounce"
	"remote-access-service/internal/dispatch"
	"remote-access-service/internal/pairing"
	"remote-access-service/internal/ratelimit"
	"remote-access-service/internal/session"
	"remote-access-service/internal/store"
)

type testHarness struct {
	authority *pairing.Authority
	registry  *session.Registry
	disp      *dispatch.Dispatcher
	repo      *store.Repo
	flushes   *flushCapture
	server    *httptest.Server
}

type flushCapture struct {
	mu      sync.Mutex
	batches [][]debounce.Event
}

func (f *flushCapture) Flush(_ string, events []debounce.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]debounce.Event, len(events))
	copy(cp, events)
	f.batches = append(f.batches, cp)
}

func (f *flushCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newHarness(t *testing.T, attempts int) *testHarness {
	t.Helper()

	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}

	h := &testHarness{
		authority: pairing.NewAuthority(pairing.NewMemoryStore(), 15*time.Minute),
		repo:      repo,
		flushes:   &flushCapture{},
	}
	h.registry = session.NewRegistry(func(deviceID, reason string) {
		h.disp.SessionLost(deviceID)
	})
	h.disp = dispatch.NewDispatcher(h.registry, 2*time.Minute, 5*time.Minute, 100)
	deb := debounce.New(h.flushes, true, 50*time.Millisecond, 200*time.Millisecond, 10)
	limiter := ratelimit.NewMemoryLimiter(attempts, time.Minute, 5*time.Minute)

	gw := New(h.authority, limiter, h.registry, h.disp, deb, repo, 2*time.Second, 30*time.Second, 90*time.Second)
	mux := http.NewServeMux()
	mux.Handle("/ws/agent", gw)
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *testHarness) connect(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()
	code, err := h.authority.Generate(context.Background(), deviceID, "user-1")
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	conn := h.dial(t)
	writeFrame(t, conn, map[string]string{"type": "auth", "code": code.Code, "device_name": "alice-laptop"})
	frame := readFrame(t, conn)
	if frame["type"] != "connection_established" || frame["device_id"] != deviceID {
		t.Fatalf("handshake reply: %v", frame)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHandshakeSuccess(t *testing.T) {
	h := newHarness(t, 5)
	h.connect(t, "dev-1")

	if !h.registry.IsConnected("dev-1") {
		t.Fatal("session should be live after handshake")
	}
	rec, err := h.repo.GetDevice(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("device record: %v", err)
	}
	if !rec.Online || rec.DeviceName != "alice-laptop" {
		t.Fatalf("record: %+v", rec)
	}
}

func TestHandshakeGreetingReachesAgent(t *testing.T) {
	h := newHarness(t, 5)
	code, err := h.authority.Generate(context.Background(), "dev-1", "user-1")
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	conn := h.dial(t)
	writeFrame(t, conn, map[string]string{"type": "auth", "code": code.Code, "device_name": "alice-laptop"})

	// The very first frame back must be the greeting, not an error or a
	// close; the session has to be active by the time it is written.
	frame := readFrame(t, conn)
	if frame["type"] != "connection_established" {
		t.Fatalf("first reply: %v", frame)
	}
	if frame["device_id"] != "dev-1" {
		t.Fatalf("greeting device_id: %v", frame)
	}
	if frame["heartbeat_interval"] != float64(30) {
		t.Fatalf("greeting should advertise the heartbeat cadence: %v", frame)
	}

	s, ok := h.registry.Get("dev-1")
	if !ok {
		t.Fatal("session missing after handshake")
	}
	if s.State() != session.StateActive {
		t.Fatalf("session state after handshake: %v", s.State())
	}
}

func TestHandshakeInvalidCode(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.dial(t)
	writeFrame(t, conn, map[string]string{"type": "auth", "code": "000000"})

	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["message"] != "authentication failed" {
		t.Fatalf("reply: %v", frame)
	}
}

func TestHandshakeRateLimitedLooksLikeBadCode(t *testing.T) {
	h := newHarness(t, 1)

	// First attempt consumes the budget.
	conn := h.dial(t)
	writeFrame(t, conn, map[string]string{"type": "auth", "code": "111111"})
	first := readFrame(t, conn)

	// Second attempt is blocked, with an indistinguishable reply even
	// though this code is real.
	code, err := h.authority.Generate(context.Background(), "dev-1", "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	conn2 := h.dial(t)
	writeFrame(t, conn2, map[string]string{"type": "auth", "code": code.Code})
	second := readFrame(t, conn2)

	if first["message"] != second["message"] {
		t.Fatalf("failure replies must be indistinguishable: %v vs %v", first, second)
	}
	if h.registry.IsConnected("dev-1") {
		t.Fatal("rate-limited handshake must not create a session")
	}
}

func TestHeartbeatAck(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	before := time.Now()
	writeFrame(t, conn, map[string]string{"type": "heartbeat"})
	frame := readFrame(t, conn)
	if frame["type"] != "heartbeat_ack" {
		t.Fatalf("reply: %v", frame)
	}

	s, ok := h.registry.Get("dev-1")
	if !ok {
		t.Fatal("session missing")
	}
	if s.LastHeartbeat().Before(before) {
		t.Fatal("heartbeat should refresh the liveness timestamp")
	}
}

func TestCommandRoundTripOverWebSocket(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	// Mock agent: approve and execute the one command it receives.
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":   "command_result",
			"id":     req["id"],
			"status": "success",
			"output": "DESKTOP-7F2K1\\alice",
		})
	}()

	res := h.disp.Dispatch(context.Background(), "dev-1", dispatch.Request{
		Command:     "whoami",
		Description: "identify current user",
		Timeout:     5 * time.Second,
	})
	if res.Status != dispatch.StatusSuccess || res.Output != "DESKTOP-7F2K1\\alice" {
		t.Fatalf("result: %+v", res)
	}
}

func TestCommandDeclinedOverWebSocket(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req["requires_consent"] != true {
			t.Errorf("request must carry requires_consent, got %v", req)
		}
		_ = conn.WriteJSON(map[string]any{
			"type":   "command_result",
			"id":     req["id"],
			"status": "declined",
			"reason": "user said no",
		})
	}()

	res := h.disp.Dispatch(context.Background(), "dev-1", dispatch.Request{
		Command:     "Remove-Item -Recurse C:\\temp",
		Description: "delete the temp directory",
		Shell:       "powershell",
		Timeout:     5 * time.Second,
	})
	if res.Status != dispatch.StatusDeclined || res.Reason != "user said no" {
		t.Fatalf("result: %+v", res)
	}
}

func TestDisconnectFailsPendingCall(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	done := make(chan dispatch.Result, 1)
	go func() {
		done <- h.disp.Dispatch(context.Background(), "dev-1", dispatch.Request{
			Command: "sleep", Timeout: time.Minute,
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.disp.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Drain the envelope so the close isn't racing an unread frame, then
	// drop the connection without replying.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var req map[string]any
	_ = conn.ReadJSON(&req)
	_ = conn.Close()

	select {
	case res := <-done:
		if res.Status != dispatch.StatusError || res.Error != dispatch.ErrDisconnected {
			t.Fatalf("result: %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("caller should not hang after agent disconnect")
	}

	deadline = time.Now().Add(2 * time.Second)
	for h.registry.IsConnected("dev-1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.registry.IsConnected("dev-1") {
		t.Fatal("session should be unregistered after disconnect")
	}
}

func TestTelemetryIsDebounced(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, map[string]any{"type": "system_status", "cpu": 42})
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.flushes.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.flushes.mu.Lock()
	defer h.flushes.mu.Unlock()
	if len(h.flushes.batches) != 1 {
		t.Fatalf("burst should flush once, got %d", len(h.flushes.batches))
	}
	if len(h.flushes.batches[0]) != 3 {
		t.Fatalf("batch should hold all 3 events, got %d", len(h.flushes.batches[0]))
	}
	if h.flushes.batches[0][0].Type != "system_status" {
		t.Fatalf("event type: %q", h.flushes.batches[0][0].Type)
	}
}

func TestReplacementClosesOldConnection(t *testing.T) {
	h := newHarness(t, 5)
	old := h.connect(t, "dev-1")
	h.connect(t, "dev-1")

	// The first connection should see a close from the server side.
	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}
	if !h.registry.IsConnected("dev-1") {
		t.Fatal("replacement session should be live")
	}
	if len(h.registry.Snapshot()) != 1 {
		t.Fatalf("exactly one session per device, got %d", len(h.registry.Snapshot()))
	}
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.registry.IsConnected("dev-1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.registry.IsConnected("dev-1") {
		t.Fatal("protocol error should drop the connection")
	}
}

func TestUnsolicitedResultIsDropped(t *testing.T) {
	h := newHarness(t, 5)
	conn := h.connect(t, "dev-1")

	writeFrame(t, conn, map[string]any{
		"type": "command_result", "id": uuid.NewString(), "status": "success", "output": "stale",
	})

	// Connection stays up and no pending state appears.
	writeFrame(t, conn, map[string]string{"type": "heartbeat"})
	frame := readFrame(t, conn)
	if frame["type"] != "heartbeat_ack" {
		t.Fatalf("connection should survive an unsolicited result, got %v", frame)
	}
	if h.disp.PendingCount() != 0 {
		t.Fatal("unsolicited result must not create pending state")
	}
}

func TestJSONWireShapes(t *testing.T) {
	raw := `{"type":"command_result","id":"abc","status":"declined","reason":"busy"}`
	var frame inboundFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "command_result" || frame.Status != "declined" || frame.Reason != "busy" {
		t.Fatalf("frame: %+v", frame)
	}
}
