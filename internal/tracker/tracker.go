// Package tracker composes the progress machine, the event stream and the
// completion notifier into a single-job tracker. At most one session is open
// at a time; a terminal session stays readable until it is closed or replaced
// by the next Start.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/progress"
	"github.com/JakeFAU/inbox-router/internal/stream"
)

// Bounds on the number of emails a job may process.
const (
	DefaultMaxResults = 10
	MaxResultsLimit   = 50
)

var (
	// ErrSessionActive is returned by Start while a non-terminal session is open.
	ErrSessionActive = errors.New("tracker: a job is already in progress")
	// ErrNoSession is returned by Close when nothing is open.
	ErrNoSession = errors.New("tracker: no job in progress")
	// ErrInvalidParams wraps Start argument validation failures.
	ErrInvalidParams = errors.New("tracker: invalid job parameters")
)

// Channel is one open progress stream as seen by the tracker.
type Channel interface {
	OnEvent(fn func(progress.Event)) error
	Close()
	Done() <-chan struct{}
}

// Dialer opens a progress Channel.
type Dialer func(ctx context.Context, p stream.Params) Channel

// FromClient adapts a stream.Client into a Dialer.
func FromClient(c *stream.Client) Dialer {
	return func(ctx context.Context, p stream.Params) Channel {
		return c.Open(ctx, p)
	}
}

// Notifier receives milestone signals. Failures are never notified.
type Notifier interface {
	NotifyItemProcessed(processed, total int)
	NotifyJobComplete(processed, total int)
}

// Clock provides timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues session IDs.
type IDGenerator interface {
	NewSessionID() (uuid.UUID, error)
}

// Config wires a Tracker.
type Config struct {
	Dial Dialer
	// Emitter receives telemetry records; nil disables them. It is called with
	// the tracker lock held and must not block.
	Emitter  progress.Emitter
	Notifier Notifier
	Clock    Clock
	IDs      IDGenerator
	// DefaultMaxResults applies when Start receives 0.
	DefaultMaxResults int
	// MaxResultsLimit is the inclusive upper bound for maxResults.
	MaxResultsLimit int
	// BaseContext parents every stream; Start's ctx does not, so a stream
	// outlives the request that started it.
	BaseContext context.Context
	// OnUpdate, if set, is called after every state change with a snapshot.
	OnUpdate func(View)
	Logger   *zap.Logger
}

// View is a read-only snapshot of the open session.
type View struct {
	SessionID  uuid.UUID        `json:"session_id"`
	UserEmail  string           `json:"user_email"`
	MaxResults int              `json:"max_results"`
	StartedAt  time.Time        `json:"started_at"`
	Session    progress.Session `json:"session"`
}

// Tracker owns at most one session.
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	gen uint64
	cur *run
}

type run struct {
	gen        uint64
	id         uuid.UUID
	userEmail  string
	maxResults int
	startedAt  time.Time
	machine    *progress.Machine
	ch         Channel
	closed     bool
	finished   chan struct{}
	finishOnce sync.Once
}

// New validates cfg and builds a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Dial == nil {
		return nil, errors.New("tracker: dialer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = randomIDs{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.MaxResultsLimit <= 0 {
		cfg.MaxResultsLimit = MaxResultsLimit
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = DefaultMaxResults
	}
	if cfg.DefaultMaxResults > cfg.MaxResultsLimit {
		return nil, fmt.Errorf("tracker: default max results %d exceeds limit %d", cfg.DefaultMaxResults, cfg.MaxResultsLimit)
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{cfg: cfg, logger: cfg.Logger}, nil
}

// Start opens a new session for userEmail. maxResults of 0 means the default.
// A terminal session still held by the tracker is discarded first.
func (t *Tracker) Start(ctx context.Context, userEmail string, maxResults int) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, fmt.Errorf("start job: %w", err)
	}
	userEmail, maxResults, err := t.normalise(userEmail, maxResults)
	if err != nil {
		return View{}, err
	}
	id, err := t.cfg.IDs.NewSessionID()
	if err != nil {
		return View{}, fmt.Errorf("start job: %w", err)
	}

	t.mu.Lock()
	if t.cur != nil && !t.cur.closed && !t.cur.machine.Session().Terminal() {
		t.mu.Unlock()
		return View{}, ErrSessionActive
	}
	if t.cur != nil {
		t.release(t.cur)
	}
	t.gen++
	r := &run{
		gen:        t.gen,
		id:         id,
		userEmail:  userEmail,
		maxResults: maxResults,
		startedAt:  t.cfg.Clock.Now(),
		machine:    progress.NewMachine(),
		finished:   make(chan struct{}),
	}
	r.machine.Begin()
	r.ch = t.cfg.Dial(t.cfg.BaseContext, stream.Params{UserEmail: userEmail, MaxResults: maxResults})
	t.cur = r
	view := r.view()
	// The start record must precede every event record for this session.
	t.emit(progress.Record{
		SessionID:  id,
		TS:         r.startedAt,
		Stage:      progress.StageSessionStart,
		UserEmail:  userEmail,
		MaxResults: maxResults,
		Phase:      view.Session.Status,
	})
	t.mu.Unlock()

	t.logger.Info("job started",
		zap.String("session_id", id.String()),
		zap.String("user_email", userEmail),
		zap.Int("max_results", maxResults),
	)
	t.update(view)

	// The channel buffers events until a callback is registered, so snapshots
	// published from handle always follow the start snapshot above.
	gen := r.gen
	if err := r.ch.OnEvent(func(evt progress.Event) { t.handle(gen, evt) }); err != nil {
		if closeErr := t.Close(); closeErr != nil && !errors.Is(closeErr, ErrNoSession) {
			t.logger.Warn("close after failed registration", zap.Error(closeErr))
		}
		return View{}, fmt.Errorf("register stream callback: %w", err)
	}
	return view, nil
}

// Snapshot returns the open session, if any.
func (t *Tracker) Snapshot() (View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return View{}, false
	}
	return t.cur.view(), true
}

// Close releases the open session and discards it. Events already in flight
// are dropped without touching the discarded state. Close on a tracker with
// nothing open returns ErrNoSession.
func (t *Tracker) Close() error {
	_, err := t.CloseView()
	return err
}

// CloseView is Close that also returns the last snapshot of the session it
// discarded, taken under the same lock.
func (t *Tracker) CloseView() (View, error) {
	t.mu.Lock()
	r := t.cur
	if r == nil {
		t.mu.Unlock()
		return View{}, ErrNoSession
	}
	t.cur = nil
	view := r.view()
	sess := r.machine.Session()
	t.release(r)
	t.mu.Unlock()

	if !sess.Terminal() {
		t.logger.Info("job closed before completion", zap.String("session_id", r.id.String()))
		now := t.cfg.Clock.Now()
		t.emit(progress.Record{
			SessionID: r.id,
			TS:        now,
			Stage:     progress.StageSessionError,
			Phase:     sess.Status,
			Percent:   sess.Percent,
			Processed: sess.ProcessedCount,
			Total:     sess.TotalItems,
			Dur:       nonNegative(now.Sub(r.startedAt)),
			Note:      "closed before completion",
		})
	}
	return view, nil
}

// Wait blocks until the open session is terminal or closed, then returns the
// last snapshot.
func (t *Tracker) Wait(ctx context.Context) (View, error) {
	t.mu.Lock()
	r := t.cur
	t.mu.Unlock()
	if r == nil {
		return View{}, ErrNoSession
	}
	select {
	case <-r.finished:
	case <-ctx.Done():
		return View{}, fmt.Errorf("wait for job: %w", ctx.Err())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.view(), nil
}

func (t *Tracker) handle(gen uint64, evt progress.Event) {
	t.mu.Lock()
	r := t.cur
	if r == nil || r.gen != gen || r.closed {
		t.mu.Unlock()
		t.logger.Debug("late event discarded", zap.String("kind", string(evt.Kind())))
		return
	}
	out := r.machine.Apply(evt)
	sess := r.machine.Session()
	now := t.cfg.Clock.Now()
	records := []progress.Record{{
		SessionID: r.id,
		TS:        now,
		Stage:     progress.StageEvent,
		Kind:      out.Kind,
		Phase:     sess.Status,
		Percent:   sess.Percent,
		Processed: sess.ProcessedCount,
		Total:     sess.TotalItems,
		Ignored:   out.Ignored,
		Note:      out.Reason,
	}}
	if out.Terminal() {
		done := progress.Record{
			SessionID: r.id,
			TS:        now,
			Stage:     progress.StageSessionDone,
			Phase:     sess.Status,
			Percent:   sess.Percent,
			Processed: sess.ProcessedCount,
			Total:     sess.TotalItems,
			Dur:       nonNegative(now.Sub(r.startedAt)),
		}
		if sess.Status == progress.PhaseError {
			done.Stage = progress.StageSessionError
			done.Note = sess.ErrorMessage
			if e, ok := evt.(progress.ErrorEvent); ok {
				done.Source = e.Source
			}
		}
		records = append(records, done)
		r.ch.Close()
	}
	for _, rec := range records {
		t.emit(rec)
	}
	view := r.view()
	t.mu.Unlock()

	if out.Ignored {
		t.logger.Debug("event ignored",
			zap.String("session_id", r.id.String()),
			zap.String("kind", string(out.Kind)),
			zap.String("phase", string(out.From)),
			zap.String("reason", out.Reason),
		)
	}
	if out.Terminal() {
		t.logTerminal(r.id, sess)
	}
	switch {
	case out.ItemProcessed:
		t.cfg.Notifier.NotifyItemProcessed(sess.ProcessedCount, sess.TotalItems)
	case out.JobComplete:
		t.cfg.Notifier.NotifyJobComplete(sess.ProcessedCount, sess.TotalItems)
	}
	if !out.Ignored {
		t.update(view)
	}
	if out.Terminal() {
		r.finish()
	}
}

func (t *Tracker) logTerminal(id uuid.UUID, sess progress.Session) {
	if sess.Status == progress.PhaseError {
		t.logger.Warn("job failed",
			zap.String("session_id", id.String()),
			zap.String("error", sess.ErrorMessage),
			zap.Int("processed", sess.ProcessedCount),
			zap.Int("total", sess.TotalItems),
		)
		return
	}
	t.logger.Info("job complete",
		zap.String("session_id", id.String()),
		zap.Int("processed", sess.ProcessedCount),
		zap.Int("total", sess.TotalItems),
	)
}

// release must be called with t.mu held.
func (t *Tracker) release(r *run) {
	if r.closed {
		return
	}
	r.closed = true
	r.ch.Close()
	r.finish()
}

func (t *Tracker) normalise(userEmail string, maxResults int) (string, int, error) {
	userEmail = strings.TrimSpace(userEmail)
	if userEmail == "" {
		return "", 0, fmt.Errorf("%w: user email is required", ErrInvalidParams)
	}
	addr, err := mail.ParseAddress(userEmail)
	if err != nil || addr.Address != userEmail {
		return "", 0, fmt.Errorf("%w: user email %q is not a bare address", ErrInvalidParams, userEmail)
	}
	if maxResults == 0 {
		maxResults = t.cfg.DefaultMaxResults
	}
	if maxResults < 1 || maxResults > t.cfg.MaxResultsLimit {
		return "", 0, fmt.Errorf("%w: max results must be between 1 and %d", ErrInvalidParams, t.cfg.MaxResultsLimit)
	}
	return userEmail, maxResults, nil
}

func (t *Tracker) emit(rec progress.Record) {
	if t.cfg.Emitter == nil {
		return
	}
	t.cfg.Emitter.Emit(rec)
}

func (t *Tracker) update(v View) {
	if t.cfg.OnUpdate != nil {
		t.cfg.OnUpdate(v)
	}
}

func (r *run) finish() {
	r.finishOnce.Do(func() { close(r.finished) })
}

func (r *run) view() View {
	return View{
		SessionID:  r.id,
		UserEmail:  r.userEmail,
		MaxResults: r.maxResults,
		StartedAt:  r.startedAt,
		Session:    r.machine.Session(),
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

type randomIDs struct{}

func (randomIDs) NewSessionID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

type nopNotifier struct{}

func (nopNotifier) NotifyItemProcessed(int, int) {}
func (nopNotifier) NotifyJobComplete(int, int)   {}
