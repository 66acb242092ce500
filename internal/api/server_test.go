package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/goodtune/timeflow/internal/clock"
	"github.com/goodtune/timeflow/internal/engine"
	"github.com/goodtune/timeflow/internal/metrics"
	"github.com/goodtune/timeflow/internal/persistence"
	"github.com/goodtune/timeflow/internal/storage/memory"
	"github.com/goodtune/timeflow/internal/timer"
)

const testKey = "timeflow:timer:state"

var epoch = time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)

func quietConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.TickInterval = time.Hour
	cfg.SaveInterval = time.Hour
	cfg.AccuracyInterval = time.Hour
	return cfg
}

type fixture struct {
	engine *engine.Engine
	clock  *clock.TestClock
	server *Server
}

func newFixture(t *testing.T, cfg engine.Config, seed *persistence.Snapshot) *fixture {
	t.Helper()

	tier, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory tier: %v", err)
	}
	if seed != nil {
		data, err := persistence.Encode(*seed)
		if err != nil {
			t.Fatalf("encode seed: %v", err)
		}
		if err := tier.Set(context.Background(), testKey, data); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	c := clock.NewTestClock(epoch)
	gw := persistence.NewGateway(tier, nil, persistence.Options{Key: testKey}, zerolog.Nop())
	e := engine.New(gw, c, cfg, zerolog.Nop())
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = e.Dispose() })

	return &fixture{engine: e, clock: c, server: NewServer("127.0.0.1:0", e, zerolog.Nop())}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)
	requests := metrics.APIRequestsTotal.WithLabelValues("GET", "/health", "200")
	before := testutil.ToFloat64(requests)

	rec := f.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
	if got := testutil.ToFloat64(requests) - before; got != 1 {
		t.Fatalf("api_requests_total delta = %v, want 1", got)
	}

	_ = f.engine.Dispose()
	rec = f.do(t, "GET", "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health after dispose = %d, want 503", rec.Code)
	}
}

func TestTimerLifecycle(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)

	rec := f.do(t, "POST", "/api/timer/start", `{"projectId":"p1","description":"write report"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[TimerResponse](t, rec)
	if got.Status != timer.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.Context.ProjectID != "p1" || got.Context.Description != "write report" {
		t.Fatalf("context = %+v", got.Context)
	}
	if got.SessionID != f.engine.SessionID() {
		t.Fatalf("sessionId = %q, want %q", got.SessionID, f.engine.SessionID())
	}

	f.clock.Advance(90 * time.Second)
	got = decode[TimerResponse](t, f.do(t, "GET", "/api/timer", ""))
	if got.ElapsedSeconds != 90 {
		t.Fatalf("elapsed = %d, want 90", got.ElapsedSeconds)
	}

	got = decode[TimerResponse](t, f.do(t, "POST", "/api/timer/pause", ""))
	if got.Status != timer.StatusPaused || got.PausedAt == nil {
		t.Fatalf("pause: %+v", got)
	}

	got = decode[TimerResponse](t, f.do(t, "POST", "/api/timer/resume", ""))
	if got.Status != timer.StatusRunning {
		t.Fatalf("resume: status = %s", got.Status)
	}

	f.clock.Advance(30 * time.Second)
	got = decode[TimerResponse](t, f.do(t, "POST", "/api/timer/stop", ""))
	if got.Status != timer.StatusStopped || got.TotalElapsedSeconds != 120 {
		t.Fatalf("stop: %+v", got)
	}

	got = decode[TimerResponse](t, f.do(t, "POST", "/api/timer/reset", ""))
	if got.TotalElapsedSeconds != 0 || got.Context != (timer.Context{}) {
		t.Fatalf("reset: %+v", got)
	}
}

func TestUpdateContext(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)
	f.do(t, "POST", "/api/timer/start", `{"projectId":"p1","taskId":"t1"}`)

	rec := f.do(t, "PATCH", "/api/timer/context", `{"taskId":"t2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[TimerResponse](t, rec)
	if got.Context.ProjectID != "p1" || got.Context.TaskID != "t2" {
		t.Fatalf("context = %+v", got.Context)
	}
}

func TestInvalidTransition(t *testing.T) {
	t.Run("lenient", func(t *testing.T) {
		f := newFixture(t, quietConfig(), nil)
		rec := f.do(t, "POST", "/api/timer/pause", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("pause while stopped = %d, want 200", rec.Code)
		}
		if got := decode[TimerResponse](t, rec); got.Status != timer.StatusStopped {
			t.Fatalf("status = %s, want stopped", got.Status)
		}
	})

	t.Run("strict", func(t *testing.T) {
		cfg := quietConfig()
		cfg.Strict = true
		f := newFixture(t, cfg, nil)
		rec := f.do(t, "POST", "/api/timer/pause", "")
		if rec.Code != http.StatusConflict {
			t.Fatalf("pause while stopped = %d, want 409", rec.Code)
		}
		if got := decode[ErrorResponse](t, rec); got.Error != "invalid_transition" || got.Code != http.StatusConflict {
			t.Fatalf("error body = %+v", got)
		}
	})
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed start", "POST", "/api/timer/start", `{"projectId":`, http.StatusBadRequest},
		{"unknown field", "PATCH", "/api/timer/context", `{"project":"p1"}`, http.StatusBadRequest},
		{"prompt is not a decision", "POST", "/api/timer/recovery", `{"policy":"prompt"}`, http.StatusBadRequest},
		{"unknown policy", "POST", "/api/timer/recovery", `{"policy":"sometimes"}`, http.StatusBadRequest},
		{"nothing pending", "POST", "/api/timer/recovery", `{"policy":"discard"}`, http.StatusNotFound},
		{"wrong method", "GET", "/api/timer/start", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestDisposedEngine(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)
	_ = f.engine.Dispose()

	rec := f.do(t, "POST", "/api/timer/start", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("start after dispose = %d, want 503", rec.Code)
	}
}

func TestAccuracy(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)
	f.do(t, "POST", "/api/timer/start", "")
	f.clock.Advance(45 * time.Second)
	// Reading the timer ticks the accumulator up to date.
	f.do(t, "GET", "/api/timer", "")

	rec := f.do(t, "GET", "/api/timer/accuracy", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("accuracy = %d", rec.Code)
	}
	got := decode[AccuracyResponse](t, rec)
	if got.ExpectedSeconds != 45 || got.ActualSeconds != 45 || got.DriftSeconds != 0 || !got.IsAccurate {
		t.Fatalf("accuracy = %+v", got)
	}
}

func TestRecoveryOffer(t *testing.T) {
	start := epoch.Add(-15 * time.Minute)
	seed := &persistence.Snapshot{
		State: timer.State{
			Status:         timer.StatusRunning,
			StartTime:      &start,
			ElapsedSeconds: 300,
			Context:        timer.Context{ProjectID: "p1"},
		},
		LastSavedAt: start.Add(5 * time.Minute),
		SessionID:   "previous",
	}
	f := newFixture(t, quietConfig(), seed)

	rec := f.do(t, "GET", "/api/timer/recovery", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("recovery = %d, want 200", rec.Code)
	}
	offer := decode[RecoveryResponse](t, rec)
	if offer.PreviousSessionID != "previous" || offer.GapSeconds != 600 || offer.ElapsedSeconds != 300 {
		t.Fatalf("offer = %+v", offer)
	}

	got := decode[TimerResponse](t, f.do(t, "GET", "/api/timer", ""))
	if !got.RecoveryPending {
		t.Fatal("recoveryPending = false, want true")
	}

	rec = f.do(t, "POST", "/api/timer/recovery", `{"policy":"exclude_gap"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply = %d: %s", rec.Code, rec.Body.String())
	}
	got = decode[TimerResponse](t, rec)
	if got.Status != timer.StatusRunning || got.ElapsedSeconds != 300 || got.RecoveryPending {
		t.Fatalf("applied = %+v", got)
	}

	if rec := f.do(t, "GET", "/api/timer/recovery", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("recovery after apply = %d, want 204", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The subscription exists once headers have been flushed.
	if _, err := f.engine.Start(timer.ContextUpdate{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if eventLine != "started" {
		t.Fatalf("event = %q, want started", eventLine)
	}
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil || ev.Type != "started" {
		t.Fatalf("data = %q (%v)", dataLine, err)
	}
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f.server.SetListener(ln)
	if err := f.server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	if err := f.server.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopEndsEventStream(t *testing.T) {
	f := newFixture(t, quietConfig(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f.server.SetListener(ln)
	if err := f.server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", resp.StatusCode)
	}

	started := time.Now()
	if err := f.server.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if took := time.Since(started); took > 2*time.Second {
		t.Fatalf("stop took %s with an open event stream", took)
	}

	// The stream must be closed by the server, not left dangling.
	if _, err := bufio.NewReader(resp.Body).ReadString('\n'); err == nil {
		t.Fatal("expected the event stream to end after stop")
	}
}
