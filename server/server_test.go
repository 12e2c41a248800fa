package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/percy/core"
	"github.com/GoCodeAlone/percy/events"
	"github.com/GoCodeAlone/percy/history"
)

type fakePercy struct {
	state     core.ReadyState
	build     core.Build
	bus       *events.Bus
	snapErr   error
	snapshots []any
	flushed   bool
	stopped   chan struct{}
}

func newFakePercy() *fakePercy {
	return &fakePercy{
		state:   core.StateRunning,
		bus:     events.NewBus(),
		stopped: make(chan struct{}, 1),
	}
}

func (f *fakePercy) State() core.ReadyState { return f.state }
func (f *fakePercy) BuildInfo() core.Build  { return f.build }
func (f *fakePercy) Bus() *events.Bus       { return f.bus }

func (f *fakePercy) Snapshot(_ context.Context, what any) error {
	if f.snapErr != nil {
		return f.snapErr
	}
	f.snapshots = append(f.snapshots, what)
	return nil
}

func (f *fakePercy) Flush(context.Context, bool) error {
	f.flushed = true
	return nil
}

func (f *fakePercy) Stop(context.Context, bool) error {
	f.stopped <- struct{}{}
	return nil
}

func newTestServer(t *testing.T, p Percy) *httptest.Server {
	t.Helper()
	s := New(p, 0)
	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthcheck(t *testing.T) {
	p := newFakePercy()
	p.build = core.Build{ID: "b1", Number: 7, URL: "https://percy.io/builds/7"}
	ts := newTestServer(t, p)

	resp, err := http.Get(ts.URL + "/percy/healthcheck")
	if err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Percy-Core-Version"); got == "" {
		t.Error("missing X-Percy-Core-Version header")
	}
	var body struct {
		Success bool       `json:"success"`
		State   string     `json:"state"`
		Build   core.Build `json:"build"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.State != "running" || body.Build.ID != "b1" {
		t.Errorf("body = %+v", body)
	}
}

func TestSnapshotPost(t *testing.T) {
	p := newFakePercy()
	ts := newTestServer(t, p)

	resp, err := http.Post(ts.URL+"/percy/snapshot", "application/json",
		strings.NewReader(`{"name":"home","url":"http://localhost/"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(p.snapshots) != 1 {
		t.Fatalf("snapshots accepted = %d, want 1", len(p.snapshots))
	}
	opts, ok := p.snapshots[0].(core.SnapshotOptions)
	if !ok || opts.Name != "home" {
		t.Errorf("accepted = %#v", p.snapshots[0])
	}
}

func TestSnapshotPostRejected(t *testing.T) {
	p := newFakePercy()
	p.snapErr = errors.New("not running")
	ts := newTestServer(t, p)

	resp, err := http.Post(ts.URL+"/percy/snapshot", "application/json",
		strings.NewReader(`{"name":"home"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error != "not running" {
		t.Errorf("body = %+v", body)
	}
}

func TestFlushAndStop(t *testing.T) {
	p := newFakePercy()
	ts := newTestServer(t, p)

	resp, err := http.Post(ts.URL+"/percy/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	resp.Body.Close()
	if !p.flushed {
		t.Error("flush was not forwarded to the core")
	}

	resp, err = http.Post(ts.URL+"/percy/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp.Body.Close()
	select {
	case <-p.stopped:
	case <-time.After(time.Second):
		t.Error("stop was not forwarded to the core")
	}
}

func TestDOMScript(t *testing.T) {
	ts := newTestServer(t, newFakePercy())

	resp, err := http.Get(ts.URL + "/percy/dom.js")
	if err != nil {
		t.Fatalf("dom.js: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "application/javascript" {
		t.Errorf("content-type = %q", got)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Record(context.Background(), history.Outcome{
		BuildID: "b1", Kind: history.KindSnapshot, Name: "home", Status: history.StatusSuccess,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	s := New(newFakePercy(), 0)
	s.SetHistory(store)
	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/percy/history?kind=snapshot")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool              `json:"success"`
		History []history.Outcome `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || len(body.History) != 1 || body.History[0].Name != "home" {
		t.Errorf("body = %+v", body)
	}
}

func TestHistoryEndpointDisabled(t *testing.T) {
	ts := newTestServer(t, newFakePercy())

	resp, err := http.Get(ts.URL + "/percy/history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEventsSSE(t *testing.T) {
	p := newFakePercy()
	ts := newTestServer(t, p)

	resp, err := http.Get(ts.URL + "/percy/events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	if !strings.Contains(string(buf[:n]), `"type":"connected"`) {
		t.Fatalf("first event = %q", buf[:n])
	}

	p.bus.Publish(events.Event{Type: events.TypeSnapshotDone, Name: "home"})
	n, err = resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read snapshot event: %v", err)
	}
	if !strings.Contains(string(buf[:n]), events.TypeSnapshotDone) {
		t.Errorf("event = %q", buf[:n])
	}
}

func TestLogsWebsocket(t *testing.T) {
	ts := newTestServer(t, newFakePercy())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/percy/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The server side of a log session opens with an env snapshot.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var wire struct {
		Env map[string]string `json:"env"`
	}
	if err := json.Unmarshal(msg, &wire); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	if wire.Env == nil {
		t.Errorf("first message = %q, want env snapshot", msg)
	}
}
