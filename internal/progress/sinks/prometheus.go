package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/inbox-router/internal/progress"
)

// PrometheusSink exports tracker metrics via Prometheus: sessions started,
// finished by result, currently running, runtime, events by kind, and emails
// routed.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec

	events        *prometheus.CounterVec
	emailsRouted  prometheus.Counter
	sessionErrors *prometheus.CounterVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_router_sessions_started_total",
			Help: "Total tracker sessions that have started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_router_sessions_finished_total",
			Help: "Total tracker sessions finished partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_router_sessions_running",
			Help: "Current number of running tracker sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inbox_router_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_router_events_total",
			Help: "Inbound progress events partitioned by kind and whether they were applied.",
		}, []string{"kind", "applied"}),
		emailsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_router_emails_routed_total",
			Help: "Emails reported complete by the routing pipeline.",
		}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_router_session_errors_total",
			Help: "Failed sessions partitioned by error source.",
		}, []string{"source"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.events,
		s.emailsRouted,
		s.sessionErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register session collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		s.consumeRecord(rec)
	}
	return nil
}

func (s *PrometheusSink) consumeRecord(rec progress.Record) {
	switch rec.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(rec.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageEvent:
		applied := "true"
		if rec.Ignored {
			applied = "false"
		}
		s.events.WithLabelValues(string(rec.Kind), applied).Inc()
		if rec.Kind == progress.KindEmailComplete && !rec.Ignored {
			s.emailsRouted.Inc()
		}
	case progress.StageSessionDone:
		s.finish(rec, "complete")
	case progress.StageSessionError:
		source := string(rec.Source)
		if source == "" {
			source = "canceled"
		}
		s.sessionErrors.WithLabelValues(source).Inc()
		s.finish(rec, "error")
	}
}

func (s *PrometheusSink) finish(rec progress.Record, result string) {
	s.sessionsFinished.WithLabelValues(result).Inc()
	if rec.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(rec.Dur.Seconds())
	}
	if s.tracker.complete(rec.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *sessionTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
