package replay

import (
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"devmate/storage"
)

type recordingBus struct {
	actions  []string
	payloads []any
}

func (b *recordingBus) Publish(action string, payload any) {
	b.actions = append(b.actions, action)
	b.payloads = append(b.payloads, payload)
}

func newTestEngine(bus Publisher) *Engine {
	return NewEngine(5*time.Second, bus)
}

func TestReplayFormBodyAsMultipart(t *testing.T) {
	var gotFields map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("expected multipart/form-data content type, got %q", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("failed to parse multipart form: %v", err)
		}
		gotFields = r.MultipartForm.Value
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	body, _ := json.Marshal(map[string][]string{"a": {"1", "2"}, "b": {"3"}})
	rec := &storage.CapturedRequest{
		ID:       "req-1",
		URL:      server.URL,
		Method:   "POST",
		BodyKind: storage.BodyForm,
		Body:     string(body),
	}

	result := newTestEngine(nil).Replay(rec)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Status == nil || *result.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %v", result.Status)
	}
	if len(gotFields["a"]) != 2 || gotFields["a"][0] != "1" || gotFields["a"][1] != "2" {
		t.Errorf("array field not repeated: %v", gotFields["a"])
	}
	if len(gotFields["b"]) != 1 || gotFields["b"][0] != "3" {
		t.Errorf("scalar field wrong: %v", gotFields["b"])
	}
	if !strings.Contains(result.Request.BodySummary, "a(2)") {
		t.Errorf("body summary missing field counts: %q", result.Request.BodySummary)
	}
}

func TestReplayJSONBodyInjectsContentType(t *testing.T) {
	var gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
	}))
	defer server.Close()

	rec := &storage.CapturedRequest{
		ID:       "req-2",
		URL:      server.URL,
		Method:   "POST",
		BodyKind: storage.BodyJSON,
		Body:     `{"x":1}`,
	}

	result := newTestEngine(nil).Replay(rec)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected injected application/json, got %q", gotContentType)
	}
	if gotBody != `{"x":1}` {
		t.Errorf("body altered in transit: %q", gotBody)
	}
}

func TestReplayJSONKeepsExistingContentType(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	rec := &storage.CapturedRequest{
		ID:       "req-3",
		URL:      server.URL,
		Method:   "POST",
		Headers:  storage.HeaderSet{{Name: "content-type", Value: "application/json; charset=utf-8"}},
		BodyKind: storage.BodyJSON,
		Body:     `{}`,
	}

	newTestEngine(nil).Replay(rec)
	if gotContentType != "application/json; charset=utf-8" {
		t.Errorf("stored content type overridden: %q", gotContentType)
	}
}

func TestReplayRawBodyVerbatim(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
	}))
	defer server.Close()

	rec := &storage.CapturedRequest{
		ID:       "req-4",
		URL:      server.URL,
		Method:   "PUT",
		BodyKind: storage.BodyRaw,
		Body:     "plain text payload",
	}

	result := newTestEngine(nil).Replay(rec)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if gotBody != "plain text payload" {
		t.Errorf("raw body altered: %q", gotBody)
	}
}

func TestReplayTransportFailure(t *testing.T) {
	rec := &storage.CapturedRequest{
		ID:     "req-5",
		URL:    "http://127.0.0.1:1/unreachable",
		Method: "GET",
	}

	result := newTestEngine(nil).Replay(rec)
	if result.Error == "" {
		t.Fatal("expected a transport error")
	}
	if result.Status != nil {
		t.Errorf("transport failure must not carry a status, got %d", *result.Status)
	}
	if result.Request.URL != rec.URL || result.Request.Method != "GET" {
		t.Errorf("request info not echoed on failure: %+v", result.Request)
	}
}

func TestReplayBodyReadFailureKeepsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more bytes than are sent, then cut the connection.
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("response writer does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatalf("hijack failed: %v", err)
		}
		conn.Close()
	}))
	defer server.Close()

	rec := &storage.CapturedRequest{
		ID:     "req-6",
		URL:    server.URL,
		Method: "GET",
	}

	result := newTestEngine(nil).Replay(rec)
	if result.Status == nil || *result.Status != http.StatusOK {
		t.Fatalf("status lost on body-read failure: %v", result.Status)
	}
	if result.Body != nil {
		t.Errorf("expected nil body, got %q", *result.Body)
	}
	if !strings.Contains(result.Error, "could not read response body") {
		t.Errorf("unexpected error text: %q", result.Error)
	}
}

func TestReplayPublishesOneResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	bus := &recordingBus{}
	rec := &storage.CapturedRequest{ID: "req-7", URL: server.URL, Method: "GET"}

	newTestEngine(bus).Replay(rec)
	if len(bus.actions) != 1 || bus.actions[0] != "replayResult" {
		t.Fatalf("expected a single replayResult publish, got %v", bus.actions)
	}
}

func TestReplayPreservesHeaderCase(t *testing.T) {
	// net/http servers canonicalize header names on parse, so the wire
	// bytes have to be inspected directly.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	raw := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		raw <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	rec := &storage.CapturedRequest{
		ID:      "req-8",
		URL:     "http://" + ln.Addr().String(),
		Method:  "GET",
		Headers: storage.HeaderSet{{Name: "X-CUSTOM-token", Value: "abc"}},
	}

	newTestEngine(nil).Replay(rec)

	select {
	case request := <-raw:
		if !strings.Contains(request, "X-CUSTOM-token: abc") {
			t.Errorf("header name was canonicalized in transit:\n%s", request)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the listener")
	}
}
