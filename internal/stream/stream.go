// Package stream is the client side of the fetch-and-process progress channel.
// A Stream holds one long-lived text/event-stream connection, decodes each
// frame into a progress.Event and hands events, in arrival order, to a single
// registered callback.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/progress"
)

// DefaultPath is the producer endpoint for one fetch-classify-route job.
const DefaultPath = "/api/emails/fetch-and-process-stream"

const eventBuffer = 64

var (
	// ErrSinkRegistered is returned when OnEvent is called twice on one Stream.
	ErrSinkRegistered = errors.New("stream: event callback already registered")
	// ErrNilCallback is returned when OnEvent receives a nil function.
	ErrNilCallback = errors.New("stream: nil event callback")
)

// Config controls how the client reaches the producer.
type Config struct {
	// BaseURL is the scheme and host of the producer, e.g. http://localhost:8000.
	BaseURL string
	// Path overrides DefaultPath.
	Path string
	// IdleTimeout, when positive, fails the stream as a transport error if no
	// bytes arrive for that long.
	IdleTimeout time.Duration
	// HTTPClient must not set a Timeout; the connection is long-lived.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Params identifies the job to track.
type Params struct {
	UserEmail  string
	MaxResults int
}

// Client opens progress streams.
type Client struct {
	base        *url.URL
	path        string
	idleTimeout time.Duration
	http        *http.Client
	logger      *zap.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("stream: base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("stream: unsupported scheme %q", base.Scheme)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 0}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		base:        base,
		path:        cfg.Path,
		idleTimeout: cfg.IdleTimeout,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
	}, nil
}

// URL renders the request URL for p.
func (c *Client) URL(p Params) string {
	u := c.base.JoinPath(c.path)
	q := u.Query()
	q.Set("user_email", p.UserEmail)
	q.Set("max_results", strconv.Itoa(p.MaxResults))
	u.RawQuery = q.Encode()
	return u.String()
}

// Open starts connecting in the background and returns immediately. Events
// are buffered until OnEvent registers the callback. Connection and decode
// failures never surface as errors here: they arrive as a terminal
// progress.ErrorEvent.
func (c *Client) Open(ctx context.Context, p Params) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan progress.Event, eventBuffer),
		done:   make(chan struct{}),
		logger: c.logger.With(zap.String("user_email", p.UserEmail)),
	}
	go s.read(c, c.URL(p))
	return s
}

// Stream is one open progress channel.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan progress.Event
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	idle      atomic.Bool

	mu         sync.Mutex
	registered bool
}

// OnEvent registers fn as the single recipient of events. fn is called from
// one goroutine, one event at a time, in arrival order, and never after Close
// returns for events not yet handed over.
func (s *Stream) OnEvent(fn func(progress.Event)) error {
	if fn == nil {
		return ErrNilCallback
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return ErrSinkRegistered
	}
	s.registered = true
	go s.dispatch(fn)
	return nil
}

// Close releases the connection. It is safe to call more than once and from
// any goroutine; after the first call no further events are delivered and no
// synthetic transport error is raised.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}

// Done is closed once the underlying connection has been released, either
// after a terminal event, a failure, or Close.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) dispatch(fn func(progress.Event)) {
	for evt := range s.events {
		if s.closed.Load() {
			continue
		}
		fn(evt)
	}
}

func (s *Stream) read(c *Client, target string) {
	defer close(s.done)
	defer close(s.events)

	reqCtx, reqCancel := context.WithCancel(s.ctx)
	defer reqCancel()

	touch := func() {}
	if c.idleTimeout > 0 {
		activity := make(chan struct{}, 1)
		touch = func() {
			select {
			case activity <- struct{}{}:
			default:
			}
		}
		go s.watch(reqCtx, reqCancel, activity, c.idleTimeout)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		s.logger.Error("build stream request failed", zap.Error(err))
		s.fail(progress.TransportFailure())
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		s.lost(err)
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("close stream body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("stream rejected", zap.Int("status", resp.StatusCode))
		s.fail(progress.TransportFailure())
		return
	}
	s.logger.Debug("stream connected")
	touch()

	frames := newFrameReader(resp.Body, touch)
	for {
		payload, err := frames.Next()
		if errors.Is(err, errFrameTooLarge) {
			s.logger.Warn("oversized progress frame", zap.Int("limit", maxFrameBytes))
			s.fail(progress.ProtocolFailure())
			return
		}
		if err != nil {
			s.lost(err)
			return
		}
		evt, err := progress.Decode(payload)
		if err != nil {
			s.logger.Warn("malformed progress frame", zap.Error(err), zap.ByteString("frame", truncate(payload, 256)))
			s.fail(progress.ProtocolFailure())
			return
		}
		if !s.push(evt) {
			return
		}
		if progress.IsTerminal(evt) {
			s.logger.Debug("stream finished", zap.String("kind", string(evt.Kind())))
			return
		}
	}
}

// watch cancels the request when no activity is seen within timeout.
func (s *Stream) watch(ctx context.Context, cancel context.CancelFunc, activity <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			s.idle.Store(true)
			cancel()
			return
		}
	}
}

// lost handles the end of the body or a read failure before a terminal event.
func (s *Stream) lost(err error) {
	if s.closed.Load() {
		return
	}
	switch {
	case s.idle.Load():
		s.logger.Warn("stream idle timeout")
	case errors.Is(err, io.EOF):
		s.logger.Info("stream ended before completion")
	default:
		s.logger.Info("stream connection lost", zap.Error(err))
	}
	s.fail(progress.TransportFailure())
}

func (s *Stream) fail(evt progress.ErrorEvent) {
	if s.closed.Load() {
		return
	}
	s.push(evt)
}

func (s *Stream) push(evt progress.Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
