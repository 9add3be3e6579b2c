package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/config"
	"github.com/JakeFAU/inbox-router/internal/metrics"
	"github.com/JakeFAU/inbox-router/internal/notify"
	"github.com/JakeFAU/inbox-router/internal/policy/ratelimit"
	"github.com/JakeFAU/inbox-router/internal/progress"
	"github.com/JakeFAU/inbox-router/internal/store"
	"github.com/JakeFAU/inbox-router/internal/tracker"
)

var testSessionID = uuid.MustParse("0190f5d2-0000-7000-8000-000000000001")

func newTestServer(opts Options) *Server {
	metrics.Init()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return NewServer(opts)
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(Options{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := newTestServer(Options{Ready: fakePinger{}})
	require.Equal(t, http.StatusOK, serve(ready, http.MethodGet, "/readyz", "").Code)

	down := newTestServer(Options{Ready: fakePinger{err: errors.New("db down")}})
	rec := serve(down, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "run store unavailable")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{})
	serve(s, http.MethodGet, "/healthz", "")
	rec := serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "inbox_router_http_requests_total")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	require.Equal(t, http.StatusForbidden, serve(s, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartJob_Succeeds(t *testing.T) {
	t.Parallel()

	jobs := &fakeTracker{}
	s := newTestServer(Options{Tracker: jobs})

	rec := serve(s, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com","max_results":5}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Job struct {
			SessionID  string `json:"session_id"`
			UserEmail  string `json:"user_email"`
			MaxResults int    `json:"max_results"`
			Session    struct {
				Status string `json:"status"`
			} `json:"session"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, testSessionID.String(), body.Job.SessionID)
	require.Equal(t, "ops@co.com", body.Job.UserEmail)
	require.Equal(t, 5, body.Job.MaxResults)
	require.Equal(t, "fetching", body.Job.Session.Status)
	require.Equal(t, []string{"ops@co.com/5"}, jobs.starts())
}

func TestServer_StartJob_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "invalid json", body: "{invalid", code: http.StatusBadRequest},
		{
			name: "invalid params",
			body: `{"user_email":"nope"}`,
			err:  fmt.Errorf("%w: user email is required", tracker.ErrInvalidParams),
			code: http.StatusBadRequest,
		},
		{name: "conflict", body: `{"user_email":"ops@co.com"}`, err: tracker.ErrSessionActive, code: http.StatusConflict},
		{name: "internal", body: `{"user_email":"ops@co.com"}`, err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(Options{Tracker: &fakeTracker{startErr: tc.err}})
			rec := serve(s, http.MethodPost, "/v1/jobs", tc.body)
			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestServer_StartJob_Throttled(t *testing.T) {
	t.Parallel()

	jobs := &fakeTracker{startErr: tracker.ErrSessionActive}
	s := newTestServer(Options{Tracker: jobs, StartLimiter: ratelimit.New(ratelimit.Config{DefaultRPS: 0.5, DefaultBurst: 1})})

	require.Equal(t, http.StatusConflict, serve(s, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com"}`).Code)
	rec := serve(s, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))

	// a different API key has its own bucket
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"user_email":"ops@co.com"}`))
	req.Header.Set("X-API-Key", "other")
	other := httptest.NewRecorder()
	s.Handler().ServeHTTP(other, req)
	require.Equal(t, http.StatusConflict, other.Code)
}

func TestServer_CurrentJob(t *testing.T) {
	t.Parallel()

	jobs := &fakeTracker{}
	s := newTestServer(Options{Tracker: jobs})
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/v1/jobs/current", "").Code)

	jobs.setCurrent(runningView())
	rec := serve(s, http.MethodGet, "/v1/jobs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"progress_percent":40`)
	require.Contains(t, rec.Body.String(), `"processed_count":1`)
}

func TestServer_DismissJob(t *testing.T) {
	t.Parallel()

	jobs := &fakeTracker{}
	s := newTestServer(Options{Tracker: jobs})
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodDelete, "/v1/jobs/current", "").Code)

	jobs.setCurrent(runningView())
	rec := serve(s, http.MethodDelete, "/v1/jobs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), testSessionID.String())
	require.Contains(t, rec.Body.String(), "dismissed")
	require.Zero(t, jobs.snapshotCalls(), "dismiss reads the view from the close itself")
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/v1/jobs/current", "").Code)
}

func TestServer_JobRoutesWithoutTracker(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{})
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodPost, "/v1/jobs", `{}`).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/v1/jobs/current", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodDelete, "/v1/jobs/current", "").Code)
}

func TestServer_Notifications(t *testing.T) {
	t.Parallel()

	notes := notify.New(nil, notify.WithClock(func() time.Time { return time.Unix(0, 0).UTC() }))
	s := newTestServer(Options{Notifications: notes})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/notifications"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return notes.Len() == 1 }, time.Second, 5*time.Millisecond)
	notes.NotifyItemProcessed(1, 3)
	notes.NotifyJobComplete(3, 3)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second notify.Notification
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, notify.KindItemProcessed, first.Kind)
	require.Equal(t, 1, first.Processed)
	require.Equal(t, 3, first.Total)
	require.Equal(t, notify.KindJobComplete, second.Kind)

	s.CloseNotifications()
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return notes.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_NotificationsWireFormat(t *testing.T) {
	t.Parallel()

	notes := notify.New(nil, notify.WithClock(func() time.Time { return time.Unix(0, 0).UTC() }))
	s := newTestServer(Options{Notifications: notes})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.CloseNotifications()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/notifications"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return notes.Len() == 1 }, time.Second, 5*time.Millisecond)
	notes.NotifyJobComplete(0, 0)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.JSONEq(t, `{"kind":"job_complete","at":"1970-01-01T00:00:00Z","processed":0}`, string(raw))
}

func TestServer_NotificationsRejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{
		Notifications:  notify.New(nil),
		AllowedOrigins: []string{"https://ops.example.com"},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/notifications"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	require.Nil(t, originChecker(nil))

	all := originChecker([]string{"*"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anything.test")
	require.True(t, all(req))

	check := originChecker([]string{"https://ops.example.com"})
	req.Header.Set("Origin", "https://ops.example.com")
	require.True(t, check(req))
	req.Header.Set("Origin", "http://ops.example.com")
	require.False(t, check(req))
	req.Header.Del("Origin")
	require.True(t, check(req))
}

func runningView() tracker.View {
	return tracker.View{
		SessionID:  testSessionID,
		UserEmail:  "ops@co.com",
		MaxResults: 5,
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		Session: progress.Session{
			Status:         progress.PhaseSending,
			StepLabel:      "routing email 2 of 3",
			Percent:        40,
			RawPercent:     40,
			TotalItems:     3,
			ProcessedCount: 1,
		},
	}
}

type fakeTracker struct {
	mu        sync.Mutex
	startErr  error
	current   *tracker.View
	started   []string
	snapshots int
}

func (f *fakeTracker) Start(_ context.Context, userEmail string, maxResults int) (tracker.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return tracker.View{}, f.startErr
	}
	f.started = append(f.started, fmt.Sprintf("%s/%d", userEmail, maxResults))
	view := tracker.View{
		SessionID:  testSessionID,
		UserEmail:  userEmail,
		MaxResults: maxResults,
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		Session:    progress.Session{Status: progress.PhaseFetching, StepLabel: "fetching emails"},
	}
	f.current = &view
	return view, nil
}

func (f *fakeTracker) Snapshot() (tracker.View, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.current == nil {
		return tracker.View{}, false
	}
	return *f.current, true
}

func (f *fakeTracker) CloseView() (tracker.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return tracker.View{}, tracker.ErrNoSession
	}
	view := *f.current
	f.current = nil
	return view, nil
}

func (f *fakeTracker) snapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func (f *fakeTracker) setCurrent(v tracker.View) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = &v
}

func (f *fakeTracker) starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error {
	return f.err
}

var _ store.RunRepository = (*fakeRunRepo)(nil)
