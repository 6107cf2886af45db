package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"devmate/bus"
	"devmate/capture"
	"devmate/config"
	"devmate/pinger"
	"devmate/replay"
	"devmate/storage"
)

type testEnv struct {
	server     *httptest.Server
	database   *storage.Database
	controller *capture.Controller
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	var srv *Server
	hub := bus.NewHub(func(action string, data json.RawMessage, reply func(payload any)) {
		srv.HandleBusMessage(action, data, reply)
	})
	controller := capture.NewController(db, hub)
	engine := replay.NewEngine(5*time.Second, hub)
	scheduler := pinger.NewScheduler(db, hub, 5*time.Second)
	t.Cleanup(scheduler.StopAll)
	srv = NewServer(cfg, db, hub, controller, engine, scheduler)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, database: db, controller: controller}
}

func (e *testEnv) seed(t *testing.T, id string) {
	t.Helper()
	rec := &storage.CapturedRequest{
		ID:        id,
		URL:       "https://example.com/" + id,
		Method:    "GET",
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.database.AppendCapturedRequest(rec); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestListAndClearRequests(t *testing.T) {
	env := setupEnv(t)
	env.seed(t, "a")
	env.seed(t, "b")

	var listed []storage.CapturedRequest
	getJSON(t, env.server.URL+"/api/requests", &listed)
	if len(listed) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(listed))
	}
	if listed[0].ID != "b" {
		t.Errorf("expected newest first, got %s", listed[0].ID)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/requests", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	count, _ := env.database.CountCapturedRequests()
	if count != 0 {
		t.Errorf("clear left %d records", count)
	}
}

func TestRequestDetailLifecycle(t *testing.T) {
	env := setupEnv(t)
	env.seed(t, "r1")

	var rec storage.CapturedRequest
	resp := getJSON(t, env.server.URL+"/api/requests/r1", &rec)
	if resp.StatusCode != http.StatusOK || rec.ID != "r1" {
		t.Fatalf("get failed: %d %+v", resp.StatusCode, rec)
	}

	patch := []byte(`{"method":"POST","body":"hello","bodyKind":"raw"}`)
	req, _ := http.NewRequest(http.MethodPatch, env.server.URL+"/api/requests/r1", bytes.NewReader(patch))
	presp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH failed: %v", err)
	}
	presp.Body.Close()
	if presp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected patch status: %d", presp.StatusCode)
	}

	updated, err := env.database.GetCapturedRequest("r1")
	if err != nil {
		t.Fatalf("record gone after patch: %v", err)
	}
	if updated.Method != "POST" || updated.Body != "hello" || updated.BodyKind != storage.BodyRaw {
		t.Errorf("patch not applied: %+v", updated)
	}

	dreq, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/requests/r1", nil)
	dresp, err := http.DefaultClient.Do(dreq)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected delete status: %d", dresp.StatusCode)
	}

	resp404 := getJSON(t, env.server.URL+"/api/requests/r1", nil)
	if resp404.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp404.StatusCode)
	}
}

func TestReplayEndpoint(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer target.Close()

	env := setupEnv(t)
	rec := &storage.CapturedRequest{ID: "r2", URL: target.URL, Method: "GET", Timestamp: 1}
	if err := env.database.AppendCapturedRequest(rec); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	resp, err := http.Post(env.server.URL+"/api/requests/r2/replay", "application/json", nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	defer resp.Body.Close()

	var result replay.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Status == nil || *result.Status != http.StatusOK {
		t.Errorf("unexpected replay status: %v", result.Status)
	}
	if result.Body == nil || *result.Body != "pong" {
		t.Errorf("unexpected replay body: %v", result.Body)
	}
}

func TestCaptureFlagEndpoint(t *testing.T) {
	env := setupEnv(t)

	var state map[string]bool
	getJSON(t, env.server.URL+"/api/capture", &state)
	if state["enabled"] {
		t.Error("capture should start disabled")
	}

	resp, err := http.Post(env.server.URL+"/api/capture", "application/json", strings.NewReader(`{"enabled":true}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	resp.Body.Close()
	if !state["enabled"] {
		t.Error("toggle not reflected in response")
	}

	enabled, _ := env.database.CaptureEnabled()
	if !enabled {
		t.Error("toggle not persisted")
	}
}

func TestCollectionsEndpoint(t *testing.T) {
	env := setupEnv(t)
	url := env.server.URL + "/api/collections/" + storage.CollectionCodeSnippets + "/snippet1"

	req, _ := http.NewRequest(http.MethodPut, url, strings.NewReader(`{"code":"console.log(1)"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected put status: %d", resp.StatusCode)
	}

	var items []storage.CollectionItem
	getJSON(t, env.server.URL+"/api/collections/"+storage.CollectionCodeSnippets, &items)
	if len(items) != 1 || items[0].Key != "snippet1" {
		t.Fatalf("stored item not listed: %+v", items)
	}

	var names []string
	getJSON(t, env.server.URL+"/api/collections", &names)
	if len(names) != 1 || names[0] != storage.CollectionCodeSnippets {
		t.Errorf("collection name not listed: %v", names)
	}

	badReq, _ := http.NewRequest(http.MethodPut, url, strings.NewReader("not json"))
	badResp, err := http.DefaultClient.Do(badReq)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-JSON value accepted: %d", badResp.StatusCode)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	env := setupEnv(t)

	for _, kind := range []string{"username", "password", "email"} {
		var out map[string]string
		resp := getJSON(t, fmt.Sprintf("%s/api/generate?type=%s", env.server.URL, kind), &out)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("generate %s: status %d", kind, resp.StatusCode)
		}
		if out["value"] == "" {
			t.Errorf("generate %s: empty value", kind)
		}
	}

	resp := getJSON(t, env.server.URL+"/api/generate?type=uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type accepted: %d", resp.StatusCode)
	}
}

func TestWebSocketProtocol(t *testing.T) {
	env := setupEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"action": "contentScriptReady"}); err != nil {
		t.Fatalf("failed to send handshake: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"action": "toggleCapture", "enabled": true}); err != nil {
		t.Fatalf("failed to send toggle: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack struct {
		OK      bool `json:"ok"`
		Enabled bool `json:"enabled"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("failed to read ack: %v", err)
	}
	if !ack.OK || !ack.Enabled {
		t.Errorf("unexpected ack: %+v", ack)
	}

	if !env.controller.UIReady() {
		t.Error("handshake did not mark the UI ready")
	}
	enabled, _ := env.database.CaptureEnabled()
	if !enabled {
		t.Error("toggle not persisted via websocket")
	}
}
