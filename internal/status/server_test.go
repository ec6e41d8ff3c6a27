package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/fieldsync/internal/lifecycle"
	"github.com/mschirtzinger/fieldsync/internal/realtime"
	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

type fakeEngine struct {
	mu       sync.Mutex
	status   fsync.Status
	events   chan fsync.StatusEvent
	requests int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status: fsync.Status{State: fsync.StateIdle, Pending: 2},
		events: make(chan fsync.StatusEvent, 8),
	}
}

func (e *fakeEngine) CurrentStatus() fsync.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *fakeEngine) Subscribe() (<-chan fsync.StatusEvent, func()) {
	var once sync.Once
	return e.events, func() { once.Do(func() { close(e.events) }) }
}

func (e *fakeEngine) RequestSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
}

func (e *fakeEngine) Requests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests
}

type fakeLifecycle struct {
	mu         sync.Mutex
	foreground bool
}

func (l *fakeLifecycle) State() lifecycle.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.foreground {
		return lifecycle.PhaseActive
	}
	return lifecycle.PhaseStopped
}

func (l *fakeLifecycle) Reachable() bool { return true }

func (l *fakeLifecycle) SetForeground(ctx context.Context, fg bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.foreground = fg
	return nil
}

func newTestServer(t *testing.T, lc Lifecycle) (*Server, *httptest.Server) {
	s := NewServer(&Config{Lifecycle: lc, Logger: zaptest.NewLogger(t)})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = s.Stop() })
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServer_StatusWithoutSession(t *testing.T) {
	_, ts := newTestServer(t, &fakeLifecycle{})

	var v StatusView
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/status", &v))
	assert.Equal(t, "stopped", v.State)
	assert.Equal(t, "stopped", v.Phase)
	require.NotNil(t, v.Reachable)
	assert.True(t, *v.Reachable)

	resp, err := http.Post(ts.URL+"/sync", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_AttachedEngine(t *testing.T) {
	s, ts := newTestServer(t, nil)
	e := newFakeEngine()
	detach := s.Attach("user-a", e)

	var v StatusView
	getJSON(t, ts.URL+"/status", &v)
	assert.Equal(t, "idle", v.State)
	assert.Equal(t, "user-a", v.User)
	assert.Equal(t, 2, v.Pending)
	assert.Empty(t, v.Phase)

	resp, err := http.Post(ts.URL+"/sync", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, e.Requests())

	detach()
	detach()
	getJSON(t, ts.URL+"/status", &v)
	assert.Equal(t, "stopped", v.State)
}

func TestServer_ForegroundControls(t *testing.T) {
	lc := &fakeLifecycle{}
	_, ts := newTestServer(t, lc)

	resp, err := http.Post(ts.URL+"/foreground", "", nil)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "active", body["phase"])

	resp, err = http.Post(ts.URL+"/background", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, lifecycle.PhaseStopped, lc.State())

	_, bare := newTestServer(t, nil)
	resp, err = http.Post(bare.URL+"/foreground", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServer_WebSocketStreamsStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, ts := newTestServer(t, nil)
	e := newFakeEngine()
	s.Attach("user-a", e)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hello := readMessage(t, ctx, conn)
	assert.Equal(t, MessageTypeStatus, hello.Type)
	assert.Equal(t, "idle", hello.Status.State)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	e.events <- fsync.StatusEvent{At: time.Now(), Status: fsync.Status{State: fsync.StateSyncing}}
	e.events <- fsync.StatusEvent{
		At:     time.Now(),
		Status: fsync.Status{State: fsync.StateError, ConsecutiveFailures: 1},
		Result: &fsync.Result{Uploaded: 3, Duration: 40 * time.Millisecond},
		Err:    errors.New("backend unavailable"),
	}

	syncing := readMessage(t, ctx, conn)
	assert.Equal(t, "syncing", syncing.Status.State)

	cycle := readMessage(t, ctx, conn)
	assert.Equal(t, MessageTypeCycle, cycle.Type)
	require.NotNil(t, cycle.Result)
	assert.Equal(t, 3, cycle.Result.Uploaded)
	assert.Equal(t, int64(40), cycle.Result.DurationMS)
	assert.Equal(t, "backend unavailable", cycle.Error)
}

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestServer_Metrics(t *testing.T) {
	s, ts := newTestServer(t, nil)
	e := newFakeEngine()
	detach := s.Attach("user-a", e)

	e.events <- fsync.StatusEvent{
		Status: fsync.Status{State: fsync.StateIdle, Pending: 1, Failed: 2},
		Result: &fsync.Result{Uploaded: 4, Rejected: 1, Downloaded: 7},
	}
	e.events <- fsync.StatusEvent{
		Status: fsync.Status{State: fsync.StateCircuitOpen},
		Result: &fsync.Result{},
		Err:    errors.New("timeout"),
	}
	detach()

	s.Metrics().ObserveOutcome(realtime.OutcomeApplied)
	s.Metrics().ObserveOutcome(realtime.OutcomeSkippedEcho)
	s.Metrics().ObserveOutcome(realtime.OutcomeSkippedEcho)

	body := scrape(t, ts.URL)
	for _, line := range []string{
		`fieldsync_sync_cycles_total{result="ok"} 1`,
		`fieldsync_sync_cycles_total{result="error"} 1`,
		`fieldsync_records_uploaded_total 4`,
		`fieldsync_records_rejected_total 1`,
		`fieldsync_records_downloaded_total 7`,
		`fieldsync_pending_records 0`,
		`fieldsync_failed_records 0`,
		`fieldsync_circuit_open 1`,
		`fieldsync_realtime_events_total{outcome="applied"} 1`,
		`fieldsync_realtime_events_total{outcome="skipped_echo"} 2`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(&Config{Addr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})
	require.NoError(t, s.Start())

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+s.Addr()+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	require.NoError(t, s.Stop())
	_, err := http.Get("http://" + s.Addr() + "/health")
	assert.Error(t, err)
}
