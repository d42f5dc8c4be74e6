package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// ---------- helpers ----------

type testServer struct {
	srv     *httptest.Server
	wsURL   string
	hub     *Hub
	sup     *Supervisor
	journal *Journal
	ctx     context.Context
	cancel  context.CancelFunc
}

// startTestServer spins up an httptest.Server with a Hub and a supervisor
// whose run has not started yet. Call startSim once clients are attached.
func startTestServer(t *testing.T, cfg Config, auth *ControlAuth) *testServer {
	t.Helper()

	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "index.html"), []byte("<html>test</html>"), 0o644)

	journal := NewJournal(nil)
	sup, err := NewSupervisor(cfg, nil, journal)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	hub := NewHub(sup, auth, journal)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(SetupRoutes(hub, tmpDir))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		journal.Stop()
	})
	return &testServer{
		srv:     srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:     hub,
		sup:     sup,
		journal: journal,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (ts *testServer) startSim() <-chan error {
	done := make(chan error, 1)
	go func() { done <- ts.sup.Run(ts.ctx) }()
	return done
}

// waitSubscribers blocks until n connections are subscribed to the run.
func (ts *testServer) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	run := ts.sup.Current()
	waitFor(t, 2*time.Second, func() bool { return run.Updates.Subscribers() >= n })
}

// dialWS opens a WebSocket connection to the test server.
func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial WS: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads one JSON message from the WebSocket.
func readEnvelope(t *testing.T, conn *websocket.Conn) InEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read WS: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", msgType)
	}
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

// readUntil reads messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) InEnvelope {
	t.Helper()
	for i := 0; i < 2000; i++ {
		env := readEnvelope(t, conn)
		if env.T == msgType {
			return env
		}
	}
	t.Fatalf("no %s message received", msgType)
	return InEnvelope{}
}

func readUpdate(t *testing.T, conn *websocket.Conn) UpdateMsg {
	t.Helper()
	env := readUntil(t, conn, MsgUpdate)
	var u UpdateMsg
	if err := json.Unmarshal(env.D, &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	return u
}

func readError(t *testing.T, conn *websocket.Conn) ErrorMsg {
	t.Helper()
	env := readUntil(t, conn, MsgError)
	var e ErrorMsg
	if err := json.Unmarshal(env.D, &e); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return e
}

// sendMsg sends a typed message over the WebSocket.
func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, _ := json.Marshal(Envelope{T: msgType, Data: data})
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write WS: %v", err)
	}
}

func sendInstruction(t *testing.T, conn *websocket.Conn, tag string) {
	t.Helper()
	sendMsg(t, conn, MsgInstruction, InstructionMsg{Tag: tag})
}

func integrationConfig() Config {
	cfg := fastConfig()
	cfg.HubRetention = 256
	return cfg
}

// ---------- update streaming ----------

func TestWSStreamsUpdatesFromFirstTick(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	conn := dialWS(t, ts.wsURL)
	ts.waitSubscribers(t, 1)
	ts.startSim()

	for want := uint64(1); want <= 5; want++ {
		u := readUpdate(t, conn)
		if u.Tick != want {
			t.Fatalf("expected tick %d, got %d", want, u.Tick)
		}
		if len(u.SpatialUpdates) != 1 || u.SpatialUpdates[0].ID != 1 {
			t.Fatalf("expected one pawn snapshot, got %+v", u.SpatialUpdates)
		}
		if u.Done {
			t.Fatal("running updates must not be terminal")
		}
	}
}

func TestWSMsgpackUpdates(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	conn := dialWS(t, ts.wsURL+"?enc=msgpack")
	ts.waitSubscribers(t, 1)
	ts.startSim()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read WS: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", msgType)
	}
	var u UpdateMsg
	if err := msgpack.Unmarshal(raw, &u); err != nil {
		t.Fatalf("msgpack unmarshal: %v", err)
	}
	if u.Tick != 1 || len(u.SpatialUpdates) != 1 {
		t.Errorf("unexpected first update %+v", u)
	}
	if w := u.SpatialUpdates[0].Orientation.W; w < 0.99 {
		t.Errorf("expected near-identity orientation, got w=%f", w)
	}
}

func TestWSRunEndClosesConnection(t *testing.T) {
	cfg := integrationConfig()
	cfg.MaxTicks = 10
	ts := startTestServer(t, cfg, nil)
	conn := dialWS(t, ts.wsURL)
	ts.waitSubscribers(t, 1)
	done := ts.startSim()

	var last UpdateMsg
	for i := 0; i < 11; i++ {
		last = readUpdate(t, conn)
	}
	if !last.Done || last.Tick != 10 {
		t.Fatalf("expected terminal update at tick 10, got %+v", last)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after terminal update, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestWSJoinAfterRunEnds(t *testing.T) {
	cfg := integrationConfig()
	cfg.MaxTicks = 2
	ts := startTestServer(t, cfg, nil)
	if err := <-ts.startSim(); err != nil {
		t.Fatalf("run: %v", err)
	}

	conn := dialWS(t, ts.wsURL)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected immediate close for a finished run, got %v", err)
	}
}

// ---------- instructions ----------

func TestWSInstructionApplied(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	conn := dialWS(t, ts.wsURL)
	ts.waitSubscribers(t, 1)
	ts.startSim()

	sendInstruction(t, conn, "Up")
	waitFor(t, 2*time.Second, func() bool {
		c := ts.journal.Counts()
		return c[EvtInstructionApplied]+c[EvtInstructionCapped] == 1
	})
}

func TestWSMalformedKeepsConnection(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	conn := dialWS(t, ts.wsURL)
	ts.waitSubscribers(t, 1)
	ts.startSim()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"SimulationInstruction","d":`))
	if e := readError(t, conn); e.Code != ErrCodeMalformed {
		t.Fatalf("expected malformed error, got %+v", e)
	}

	sendInstruction(t, conn, "Sideways")
	if e := readError(t, conn); e.Code != ErrCodeMalformed {
		t.Fatalf("expected malformed error for unknown tag, got %+v", e)
	}

	// Still connected and streaming.
	readUpdate(t, conn)
	if ts.journal.Counts()[EvtInstructionRejected] != 2 {
		t.Errorf("expected 2 rejections journaled, got %v", ts.journal.Counts())
	}
}

func TestWSJumpNotImplemented(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	conn := dialWS(t, ts.wsURL)

	sendInstruction(t, conn, "Jump")
	if e := readError(t, conn); e.Code != ErrCodeNotImplemented {
		t.Fatalf("expected not_implemented, got %+v", e)
	}
	if n := ts.sup.Current().Queue.Len(); n != 0 {
		t.Errorf("unsupported instruction should not be queued, got %d", n)
	}
}

func TestWSQueueFull(t *testing.T) {
	cfg := integrationConfig()
	cfg.QueueCapacity = 1
	ts := startTestServer(t, cfg, nil)
	conn := dialWS(t, ts.wsURL)

	sendInstruction(t, conn, "Up")
	sendInstruction(t, conn, "Down")
	if e := readError(t, conn); e.Code != ErrCodeQueueFull {
		t.Fatalf("expected queue_full, got %+v", e)
	}
	run := ts.sup.Current()
	if run.Queue.Len() != 1 || run.Queue.Rejected() != 1 {
		t.Errorf("expected 1 queued and 1 rejected, got %d %d", run.Queue.Len(), run.Queue.Rejected())
	}
}

// ---------- chat ----------

func TestWSChatRelay(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	alice := dialWS(t, ts.wsURL)
	bob := dialWS(t, ts.wsURL)
	ts.waitSubscribers(t, 2)
	waitFor(t, 2*time.Second, func() bool { return ts.hub.ClientCount() == 2 })

	sendMsg(t, alice, MsgChat, ChatMsg{Text: "hello"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readUntil(t, conn, MsgChat)
		var chat ChatMsg
		json.Unmarshal(env.D, &chat)
		if chat.Text != "hello" || len(chat.From) != 8 {
			t.Errorf("unexpected chat %+v", chat)
		}
	}
}

// ---------- control auth ----------

func postToken(t *testing.T, ts *testServer, key string) (*http.Response, string) {
	t.Helper()
	body, _ := json.Marshal(TokenRequest{Key: key, Actor: "tester"})
	resp, err := http.Post(ts.srv.URL+"/api/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post token: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out.Token
}

func TestWSControlRequiresToken(t *testing.T) {
	auth, err := NewControlAuth(nil, "ws-secret", testKeyHash(t, "letmein"))
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	ts := startTestServer(t, integrationConfig(), auth)

	viewer := dialWS(t, ts.wsURL)
	sendInstruction(t, viewer, "Up")
	if e := readError(t, viewer); e.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", e)
	}

	if resp, _ := postToken(t, ts, "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", resp.StatusCode)
	}
	resp, token := postToken(t, ts, "letmein")
	if resp.StatusCode != http.StatusOK || token == "" {
		t.Fatalf("expected token, got %d %q", resp.StatusCode, token)
	}

	operator := dialWS(t, ts.wsURL+"?token="+token)
	waitFor(t, 2*time.Second, func() bool { return ts.hub.ClientCount() == 2 })
	sendInstruction(t, operator, "Up")
	waitFor(t, 2*time.Second, func() bool { return ts.sup.Current().Queue.Len() == 1 })
}

func TestTokenEndpointDisabled(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	if resp, _ := postToken(t, ts, "anything"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with control open, got %d", resp.StatusCode)
	}
	resp, err := http.Get(ts.srv.URL + "/api/token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", resp.StatusCode)
	}
}

// ---------- admission ----------

func TestWSConnectionLimitPerIP(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	for i := 0; i < maxConnsPerIP; i++ {
		dialWS(t, ts.wsURL)
	}
	waitFor(t, 2*time.Second, func() bool { return ts.hub.TotalConns() == maxConnsPerIP })
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestHubShutdownDisconnectsClients(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	conn := dialWS(t, ts.wsURL)
	waitFor(t, 2*time.Second, func() bool { return ts.hub.ClientCount() == 1 })

	ts.cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("expected going-away close, got %v", err)
			}
			return
		}
	}
}

// ---------- HTTP API ----------

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthAndStats(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	run := ts.sup.Current()

	var health map[string]string
	getJSON(t, ts.srv.URL+"/api/health", &health)
	if health["status"] != "ok" || health["run_id"] != run.ID || health["state"] != "idle" {
		t.Errorf("unexpected health %v", health)
	}

	dialWS(t, ts.wsURL)
	ts.waitSubscribers(t, 1)

	var stats StatsResponse
	getJSON(t, ts.srv.URL+"/api/stats", &stats)
	if stats.RunID != run.ID || stats.Level != "level_one" {
		t.Errorf("unexpected run in stats %+v", stats)
	}
	if stats.Subscribers != 1 || stats.Connections != 1 {
		t.Errorf("expected one subscribed connection, got %+v", stats)
	}
	if stats.QueueCap != 1000 || stats.ControlEnabled {
		t.Errorf("unexpected queue/control stats %+v", stats)
	}
	if stats.Ticks != 0 || stats.Published != 0 {
		t.Errorf("idle run should have published nothing, got %+v", stats)
	}
	if stats.Events[EvtConnOpen] != 1 {
		t.Errorf("expected conn_open event, got %v", stats.Events)
	}
}

func TestStatsAfterRunEnds(t *testing.T) {
	cfg := integrationConfig()
	cfg.MaxTicks = 10
	ts := startTestServer(t, cfg, nil)
	if err := <-ts.startSim(); err != nil {
		t.Fatalf("run: %v", err)
	}

	var stats StatsResponse
	getJSON(t, ts.srv.URL+"/api/stats", &stats)
	if stats.Ticks != 10 || stats.RunsFinished != 1 {
		t.Errorf("unexpected run totals %+v", stats)
	}
	if stats.Published != 11 {
		t.Errorf("expected 10 ticks plus terminal published, got %d", stats.Published)
	}
}

func TestControllerQRCode(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	resp, err := http.Get(ts.srv.URL + "/api/controller.png?token=abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(body, []byte("\x89PNG")) {
		t.Error("expected PNG data")
	}
}

func TestControllerURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://sim.example:8080/api/controller.png?token=t0k", nil)
	if got := controllerURL(r); got != "ws://sim.example:8080/ws?token=t0k" {
		t.Errorf("unexpected url %s", got)
	}
	r = httptest.NewRequest(http.MethodGet, "http://sim.example/api/controller.png", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	if got := controllerURL(r); got != "wss://sim.example/ws" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestStaticClientFiles(t *testing.T) {
	ts := startTestServer(t, integrationConfig(), nil)
	resp, err := http.Get(ts.srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<html>test</html>") {
		t.Errorf("expected index.html, got %q", body)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Error("expected no-cache header")
	}
}

func TestNoClientDirServesNoRoot(t *testing.T) {
	sup, _ := NewSupervisor(integrationConfig(), nil, nil)
	srv := httptest.NewServer(SetupRoutes(NewHub(sup, nil, nil), ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
