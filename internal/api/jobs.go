package api

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/metrics"
	"github.com/JakeFAU/inbox-router/internal/tracker"
)

type startJobRequest struct {
	UserEmail string `json:"user_email"`
	// MaxResults of zero selects the configured default.
	MaxResults int `json:"max_results"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	if client := clientKey(r); s.limiter != nil && !s.limiter.Allow(client) {
		metrics.ObserveJobStart("throttled")
		wait := s.limiter.RetryAfter(client)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "too many job start requests")
		return
	}
	var req startJobRequest
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		metrics.ObserveJobStart("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	view, err := s.tracker.Start(r.Context(), req.UserEmail, req.MaxResults)
	if err != nil {
		switch {
		case errors.Is(err, tracker.ErrInvalidParams):
			metrics.ObserveJobStart("invalid")
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, tracker.ErrSessionActive):
			metrics.ObserveJobStart("conflict")
			writeError(w, http.StatusConflict, "a job is already in progress")
		default:
			metrics.ObserveJobStart("error")
			s.logger.Error("start job failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start job")
		}
		return
	}
	metrics.ObserveJobStart("started")
	writeJSON(w, http.StatusAccepted, map[string]any{"job": view})
}

func (s *Server) currentJob(w http.ResponseWriter, _ *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	view, ok := s.tracker.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no job in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": view})
}

// dismissJob closes the current job whether or not it has finished.
func (s *Server) dismissJob(w http.ResponseWriter, _ *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	view, err := s.tracker.CloseView()
	if err != nil {
		if errors.Is(err, tracker.ErrNoSession) {
			writeError(w, http.StatusNotFound, "no job in progress")
			return
		}
		s.logger.Error("dismiss job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to dismiss job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": view.SessionID.String(),
		"status":     "dismissed",
	})
}

// clientKey identifies the caller for throttling: the API key when present,
// else the remote host.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
