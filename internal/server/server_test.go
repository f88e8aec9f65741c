package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"camstream-go/internal/broadcast"
	"camstream-go/internal/controls"
	"camstream-go/internal/types"
)

type fakeControls struct {
	mu      sync.Mutex
	values  map[string]string
	setErr  error
	setLog  []string
	listErr error
}

func (f *fakeControls) List(context.Context) (map[string]controls.Control, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]controls.Control, len(f.values))
	for name, v := range f.values {
		out[name] = controls.Control{Name: name, Type: "other", Value: v}
	}
	return out, nil
}

func (f *fakeControls) Get(_ context.Context, name string) (string, error) {
	if strings.Contains(name, " ") {
		return "", controls.ErrInvalid
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[name]
	if !ok {
		return "", controls.ErrControlNotFound
	}
	return v, nil
}

func (f *fakeControls) Set(_ context.Context, name, value string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLog = append(f.setLog, name+"="+value)
	f.values[name] = value
	return nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.New()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = broadcast.NewLifecycle()
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestHandleConfig(t *testing.T) {
	srv := newTestServer(t, Deps{
		ConfigFn: func() map[string]any {
			return map[string]any{"port": 9999, "fps_limit": 30.0}
		},
	})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	payload := decode(t, rec)
	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["fps_limit"].(float64) != 30 {
		t.Fatalf("unexpected fps_limit: %v", payload["fps_limit"])
	}
}

func TestStatusIncludesLifecycleAndBroadcaster(t *testing.T) {
	b := broadcast.New()
	b.Publish(&types.Frame{Seq: 4, JPEG: []byte{0xff, 0xd8}})
	srv := newTestServer(t, Deps{
		Broadcaster: b,
		StatusFn:    func() map[string]any { return map[string]any{"source": "synthetic"} },
	})

	payload := decode(t, do(t, srv, httptest.NewRequest(http.MethodGet, "/status", nil)))
	if payload["source"] != "synthetic" {
		t.Fatalf("status fn fields missing: %v", payload)
	}
	if payload["lifecycle"] != "running" {
		t.Fatalf("unexpected lifecycle: %v", payload["lifecycle"])
	}
	stats := payload["broadcaster"].(map[string]any)
	if stats["latest_seq"].(float64) != 4 {
		t.Fatalf("unexpected broadcaster stats: %v", stats)
	}
	if payload["ws_clients"].(float64) != 0 {
		t.Fatalf("unexpected ws_clients: %v", payload["ws_clients"])
	}
}

func TestHealthAndIndex(t *testing.T) {
	srv := newTestServer(t, Deps{})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected index status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `src="/video_feed"`) {
		t.Fatalf("landing page does not reference the stream")
	}
}

func TestSnapshot(t *testing.T) {
	b := broadcast.New()
	srv := newTestServer(t, Deps{Broadcaster: b})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first frame, got %d", rec.Code)
	}

	b.Publish(&types.Frame{Seq: 1, JPEG: []byte("jpeg-1")})
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected content type: %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "jpeg-1" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestVideoFeedMultipart(t *testing.T) {
	b := broadcast.New()
	lc := broadcast.NewLifecycle()
	srv := newTestServer(t, Deps{
		Broadcaster: b,
		Lifecycle:   lc,
		Session:     broadcast.SessionConfig{PollInterval: 5 * time.Millisecond, Dedupe: true},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	b.Publish(&types.Frame{Seq: 1, JPEG: []byte("first")})

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(ts.URL + "/video_feed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	// a part ends only when the next boundary arrives
	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Publish(&types.Frame{Seq: 2, JPEG: []byte("second")})
		time.Sleep(50 * time.Millisecond)
		lc.RequestStop()
	}()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	reader := multipart.NewReader(resp.Body, params["boundary"])
	readPart := func() []byte {
		t.Helper()
		part, err := reader.NextPart()
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		if part.Header.Get("Content-Type") != "image/jpeg" {
			t.Fatalf("unexpected part type %q", part.Header.Get("Content-Type"))
		}
		body, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if part.Header.Get("Content-Length") != strconv.Itoa(len(body)) {
			t.Fatalf("content length %q for %d bytes", part.Header.Get("Content-Length"), len(body))
		}
		return body
	}

	if got := readPart(); !bytes.Equal(got, []byte("first")) {
		t.Fatalf("unexpected first part %q", got)
	}
	if got := readPart(); !bytes.Equal(got, []byte("second")) {
		t.Fatalf("unexpected second part %q", got)
	}
	if _, err := reader.NextPart(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the stream to end after the stop request, got %v", err)
	}
}

func TestControlsWithoutChannel(t *testing.T) {
	srv := newTestServer(t, Deps{})

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/controls", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("unexpected controls response: %d %q", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/get_control?name=brightness", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetControl(t *testing.T) {
	fake := &fakeControls{values: map[string]string{"brightness": "128"}}
	srv := newTestServer(t, Deps{Controls: fake})

	cases := []struct {
		query string
		code  int
	}{
		{"/get_control?name=brightness", http.StatusOK},
		{"/get_control", http.StatusBadRequest},
		{"/get_control?name=focus_absolute", http.StatusNotFound},
		{"/get_control?name=" + url.QueryEscape("bad name"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, tc.query, nil))
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.query, tc.code, rec.Code, rec.Body.String())
		}
	}

	payload := decode(t, do(t, srv, httptest.NewRequest(http.MethodGet, "/get_control?name=brightness", nil)))
	if payload["name"] != "brightness" || payload["value"] != "128" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	payload = decode(t, do(t, srv, httptest.NewRequest(http.MethodGet, "/get_control", nil)))
	if payload["error"] != "name required" {
		t.Fatalf("unexpected error body: %v", payload)
	}
}

func TestSetControlJSONAndForm(t *testing.T) {
	fake := &fakeControls{values: map[string]string{}}
	srv := newTestServer(t, Deps{Controls: fake})

	req := httptest.NewRequest(http.MethodPost, "/set_control", strings.NewReader(`{"name":"brightness","value":140}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	payload := decode(t, rec)
	if value, ok := payload["value"].(float64); payload["name"] != "brightness" || !ok || value != 140 {
		t.Fatalf("expected the number echoed back, got %v", payload)
	}

	req = httptest.NewRequest(http.MethodPost, "/set_control", strings.NewReader(`{"name":"focus_auto","value":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status for bool: %d", rec.Code)
	}
	if payload := decode(t, rec); payload["value"] != true {
		t.Fatalf("expected the bool echoed back, got %v", payload)
	}

	form := url.Values{"name": {"contrast"}, "value": {" 32 "}}
	req = httptest.NewRequest(http.MethodPost, "/set_control", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status for form: %d", rec.Code)
	}
	if payload := decode(t, rec); payload["value"] != "32" {
		t.Fatalf("expected the form string echoed back, got %v", payload)
	}

	want := []string{"brightness=140", "focus_auto=1", "contrast=32"}
	if strings.Join(fake.setLog, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected set calls: %v", fake.setLog)
	}
}

func TestSetControlErrors(t *testing.T) {
	fake := &fakeControls{values: map[string]string{}}
	srv := newTestServer(t, Deps{Controls: fake})

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/set_control", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return do(t, srv, req)
	}

	rec := post(`{"name":"brightness"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing value, got %d", rec.Code)
	}
	if decode(t, rec)["error"] != "name and value required" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
	if rec := post(`not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rec.Code)
	}

	fake.setErr = controls.ErrInvalid
	if rec := post(`{"name":"brightness","value":"1,contrast=0"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid value, got %d", rec.Code)
	}

	fake.setErr = errors.New("exit status 255")
	rec = post(`{"name":"brightness","value":5}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if decode(t, rec)["error"] != "failed to set control" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	events := make(chan any, 4)
	srv := newTestServer(t, Deps{
		Events:   events,
		ConfigFn: func() map[string]any { return map[string]any{"port": 5001} },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broadcast(ctx, events)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello["type"] != "config" || hello["port"].(float64) != 5001 {
		t.Fatalf("unexpected hello: %v", hello)
	}

	events <- map[string]any{"type": "detection", "seq": 3}
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev["type"] != "detection" || ev["seq"].(float64) != 3 {
		t.Fatalf("unexpected event: %v", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "status_request"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var status map[string]any
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status["type"] != "status" || status["ws_clients"].(float64) != 1 {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestBroadcastWritesOutsideClientLock(t *testing.T) {
	events := make(chan any, 4)
	srv := newTestServer(t, Deps{Events: events})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broadcast(ctx, events)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	// Stall this client's writer so the broadcast blocks on it.
	var writeMu *sync.Mutex
	for _, mu := range srv.snapshotClients() {
		writeMu = mu
	}
	if writeMu == nil {
		t.Fatalf("client not registered")
	}
	writeMu.Lock()
	events <- map[string]any{"type": "detection", "seq": 1}
	time.Sleep(50 * time.Millisecond)

	counted := make(chan int, 1)
	go func() { counted <- srv.clientCount() }()
	select {
	case n := <-counted:
		if n != 1 {
			writeMu.Unlock()
			t.Fatalf("expected 1 client, got %d", n)
		}
	case <-time.After(time.Second):
		writeMu.Unlock()
		t.Fatalf("client registry blocked by a stalled write")
	}
	writeMu.Unlock()

	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev["type"] != "detection" {
		t.Fatalf("unexpected event: %v", ev)
	}
}
