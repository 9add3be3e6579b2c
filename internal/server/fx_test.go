package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/inbox-router/internal/config"
	"github.com/JakeFAU/inbox-router/internal/progress"
	"github.com/JakeFAU/inbox-router/internal/tracker"
)

var oneEmailFrames = []string{
	`{"type":"fetched","count":1,"message":"Found 1 unread emails"}`,
	`{"type":"processing","current":1,"total":1,"subject":"Invoice","sender":"a@b.c"}`,
	`{"type":"classified","department":"Billing","confidence":0.9,"recipients":["bill.ops@co.com"]}`,
	`{"type":"email_complete","current":1,"total":1}`,
	`{"type":"complete","processed":1}`,
}

func newProducer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_email") == "" {
			http.Error(w, "missing user_email", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Stream.BaseURL = baseURL
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	cfg.Progress.Batch.MaxWaitMs = 10
	return &cfg
}

func buildApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append(opts, WithRegisterer(prometheus.NewRegistry()))
	app, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildServesJobLifecycle(t *testing.T) {
	t.Parallel()

	producer := newProducer(t, oneEmailFrames)
	app := buildApp(t, testConfig(t, producer.URL))
	h := app.Handler()

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/readyz", "").Code)

	rec := do(h, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com","max_results":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		body := do(h, http.MethodGet, "/v1/jobs/current", "").Body.String()
		return strings.Contains(body, `"status":"complete"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		body := do(h, http.MethodGet, "/v1/runs?status=complete", "").Body.String()
		return strings.Contains(body, `"user_email":"ops@co.com"`) && strings.Contains(body, `"processed":1`)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, do(h, http.MethodDelete, "/v1/jobs/current", "").Code)
	require.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/v1/jobs/current", "").Code)
}

func TestBuildRejectsSecondJobWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	producer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"fetched\",\"count\":2}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(producer.Close)
	t.Cleanup(func() { close(release) })

	app := buildApp(t, testConfig(t, producer.URL))
	h := app.Handler()

	require.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com"}`).Code)
	require.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/v1/jobs", `{"user_email":"ops@co.com","max_results":51}`).Code)
}

func TestWatchReturnsFinalSnapshot(t *testing.T) {
	t.Parallel()

	producer := newProducer(t, oneEmailFrames)
	var (
		mu     sync.Mutex
		phases []progress.Phase
	)
	app := buildApp(t, testConfig(t, producer.URL), WithTrackerUpdates(func(v tracker.View) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, v.Session.Status)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := app.Watch(ctx, "ops@co.com", 1)
	require.NoError(t, err)
	require.Equal(t, progress.PhaseComplete, view.Session.Status)
	require.Equal(t, 1, view.Session.ProcessedCount)
	require.InDelta(t, 100, view.Session.Percent, 0.001)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, progress.PhaseFetching, phases[0])
	require.Equal(t, progress.PhaseComplete, phases[len(phases)-1])
}

func TestWatchPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	headers := make(chan string, 1)
	producer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case headers <- r.Header.Get("traceparent"):
		default:
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range oneEmailFrames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	t.Cleanup(producer.Close)

	app := buildApp(t, testConfig(t, producer.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := app.Watch(ctx, "ops@co.com", 1)
	require.NoError(t, err)
	require.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-0[01]$`, <-headers)
}

func TestWatchSurfacesInvalidParams(t *testing.T) {
	t.Parallel()

	app := buildApp(t, testConfig(t, "http://127.0.0.1:1"))
	_, err := app.Watch(context.Background(), "Ops <ops@co.com>", 1)
	require.ErrorIs(t, err, tracker.ErrInvalidParams)
}

func TestBuildWithProgressDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Progress.Enabled = false
	app := buildApp(t, cfg)
	require.Nil(t, app.progressHub)
	require.NotNil(t, app.Tracker())
}

func TestBuildFailsOnBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.DB.DSN = "postgres://%zz"
	_, err := Build(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "run store init failed")
}
