package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/datatypes"

	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/events"
	"taskpilot/internal/jobs"
	"taskpilot/internal/quota"
	"taskpilot/internal/testutil"
	"taskpilot/internal/workspace"
)

type fakeQueue struct {
	stats jobs.Stats
	jobs  map[string]*jobs.Job
}

func (f *fakeQueue) Stats(context.Context) (jobs.Stats, error) { return f.stats, nil }

func (f *fakeQueue) Get(_ context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeQueue) List(_ context.Context, status jobs.Status, limit int) ([]jobs.Job, error) {
	if status != "" && !status.Valid() {
		return nil, jobs.ErrBadStatus
	}
	var out []jobs.Job
	for _, j := range f.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// syncBuffer collects log output written from handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeQuota struct{ st quota.Status }

func (f fakeQuota) Status() quota.Status { return f.st }

type harness struct {
	queue  *fakeQueue
	hub    *events.Hub
	router http.Handler
	logs   *syncBuffer
	hooks  int
}

func newHarness(t *testing.T, cfg config.Config, jwtSvc *auth.JWT) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		queue: &fakeQueue{
			stats: jobs.Stats{Waiting: 2, Active: 1},
			jobs:  map[string]*jobs.Job{},
		},
		logs: &syncBuffer{},
	}
	h.hub = events.NewHub(events.HubOptions{
		StatsInterval: time.Hour,
		Snapshot: func(ctx context.Context) (events.Event, error) {
			st, _ := h.queue.Stats(ctx)
			return events.New(time.Now(), events.QueueStats, "", st), nil
		},
	})
	go h.hub.Run(ctx)

	resumeAt := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	h.router = NewRouter(Deps{
		Config: cfg,
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.hooks++
			w.WriteHeader(http.StatusOK)
		}),
		Jobs:       h.queue,
		Queue:      h.queue,
		Workspaces: &workspace.Manager{Root: t.TempDir()},
		Quota:      fakeQuota{st: quota.Status{Blocked: true, ResumeAt: &resumeAt}},
		Broker:     h.hub,
		Dropped:    h.hub.Dropped,
		JWT:        jwtSvc,
		Logger:     slog.New(slog.NewJSONHandler(h.logs, nil)),
	})
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string  `json:"status"`
		Uptime float64 `json:"uptime"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Uptime < 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestStatusReportsEverySection(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		QueueStats     jobs.Stats      `json:"queueStats"`
		WorkspaceStats workspace.Stats `json:"workspaceStats"`
		ServerStats    map[string]any  `json:"serverStats"`
		Quota          quota.Status    `json:"quota"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.QueueStats.Waiting != 2 || body.QueueStats.Active != 1 {
		t.Errorf("queueStats = %+v", body.QueueStats)
	}
	if _, ok := body.ServerStats["goroutines"]; !ok {
		t.Errorf("serverStats = %v", body.ServerStats)
	}
	if !body.Quota.Blocked || body.Quota.ResumeAt == nil {
		t.Errorf("quota = %+v", body.Quota)
	}
}

func TestObserverRoutesRequireTokenWhenConfigured(t *testing.T) {
	jwtSvc := auth.NewJWT("s3cret", time.Hour)
	h := newHarness(t, config.Config{}, jwtSvc)

	for _, path := range []string{"/status", "/jobs", "/jobs/abc", "/ws"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d", path, rec.Code)
		}
	}

	tok, _ := jwtSvc.Sign("observer")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if rec := h.do(req); rec.Code != http.StatusOK {
		t.Errorf("/status with token: status = %d", rec.Code)
	}

	if rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Errorf("/health must stay open: status = %d", rec.Code)
	}
}

func TestJobInspection(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	h.queue.jobs["job-1"] = &jobs.Job{
		ID:          "job-1",
		Status:      jobs.StatusFailed,
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   "exit code 1: boom",
		Payload:     datatypes.NewJSONType(jobs.Payload{Repo: "acme/widgets", PRNumber: 7, WorkDir: "/w", Task: "t"}),
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var v jobs.View
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.ID != "job-1" || v.Status != jobs.StatusFailed || v.Repo != "acme/widgets" || v.LastError == "" {
		t.Errorf("view = %+v", v)
	}

	if rec := h.do(httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d", rec.Code)
	}
}

func TestJobListing(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	for _, j := range []struct {
		id     string
		status jobs.Status
	}{{"a", jobs.StatusWaiting}, {"b", jobs.StatusFailed}, {"c", jobs.StatusWaiting}} {
		h.queue.jobs[j.id] = &jobs.Job{
			ID:      j.id,
			Status:  j.status,
			Payload: datatypes.NewJSONType(jobs.Payload{Repo: "acme/widgets", WorkDir: "/w", Task: "t"}),
		}
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/jobs?status=waiting", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Jobs []jobs.View `json:"jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Jobs) != 2 {
		t.Fatalf("jobs = %+v, want 2 waiting", body.Jobs)
	}
	for _, v := range body.Jobs {
		if v.Status != jobs.StatusWaiting {
			t.Errorf("job %s has status %s", v.ID, v.Status)
		}
	}

	cases := []struct {
		target string
		want   int
	}{
		{"/jobs?limit=1", http.StatusOK},
		{"/jobs?status=bogus", http.StatusBadRequest},
		{"/jobs?limit=zero", http.StatusBadRequest},
		{"/jobs?limit=0", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := h.do(httptest.NewRequest(http.MethodGet, tc.target, nil)); rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.target, rec.Code, tc.want)
		}
	}
}

func TestWebhookRoute(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusOK || h.hooks != 1 {
		t.Fatalf("status = %d hooks = %d", rec.Code, h.hooks)
	}
	rec = h.do(httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /webhook: status = %d", rec.Code)
	}
}

func TestTokenExchange(t *testing.T) {
	hash, err := auth.HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	jwtSvc := auth.NewJWT("s3cret", time.Hour)
	h := newHarness(t, config.Config{AdminPasswordHash: hash}, jwtSvc)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"password":"hunter22"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub, err := jwtSvc.Verify(body.Token); err != nil || sub != "observer" {
		t.Errorf("Verify = %q, %v", sub, err)
	}

	rec = h.do(httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d", rec.Code)
	}
	rec = h.do(httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", rec.Code)
	}
}

func TestTokenExchangeDisabledWithoutHash(t *testing.T) {
	h := newHarness(t, config.Config{}, auth.NewJWT("s3cret", time.Hour))
	rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"password":"x"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, config.Config{CORSAllowedOrigins: []string{"https://dash.example"}}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := h.do(req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

type wireEvent struct {
	Type  events.Kind     `json:"type"`
	JobID string          `json:"jobId"`
	Data  json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readLoop(conn *websocket.Conn) <-chan wireEvent {
	out := make(chan wireEvent, 64)
	go func() {
		defer close(out)
		for {
			var ev wireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			out <- ev
		}
	}()
	return out
}

func TestWebSocketStreamsStatsAndRoomEvents(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	in := readLoop(conn)

	ev := testutil.RequireReceive(t, in, 5*time.Second, "stats snapshot")
	if ev.Type != events.QueueStats {
		t.Fatalf("first event = %s, want %s", ev.Type, events.QueueStats)
	}

	if err := conn.WriteJSON(map[string]string{"action": "join", "jobId": "job-9"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Membership changes are applied asynchronously, so publish until the
	// room delivery shows up.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				t.Fatal("connection closed")
			}
			if ev.Type != events.JobStdout {
				continue
			}
			if ev.JobID != "job-9" {
				t.Fatalf("jobId = %q", ev.JobID)
			}
			return
		case <-tick.C:
			h.hub.PublishToRoom("job-9", events.New(time.Now(), events.JobStdout, "job-9", map[string]string{"line": "hello"}))
			h.hub.PublishToRoom("job-other", events.New(time.Now(), events.JobStderr, "job-other", map[string]string{"line": "nope"}))
		case <-deadline:
			t.Fatal("no room event delivered")
		}
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, config.Config{CORSAllowedOrigins: []string{"https://dash.example"}}, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, http.Header{"Origin": []string{"https://evil.example"}})
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("err = %v, want bad handshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v", resp)
	}

	conn, _, err := dialWS(t, srv, http.Header{"Origin": []string{"https://dash.example"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	conn.Close()
}

func TestWebSocketAcceptsQueryToken(t *testing.T) {
	jwtSvc := auth.NewJWT("s3cret", time.Hour)
	h := newHarness(t, config.Config{}, jwtSvc)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	tok, _ := jwtSvc.Sign("observer")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return strings.Contains(h.logs.String(), `"observer":"observer"`)
	}, "connection log does not name the token subject")
}
