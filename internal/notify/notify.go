// Package notify fans job milestones out to interested observers so that
// dependent views (run history, stats, websocket clients) can refresh.
// Notifications carry counts only; they never reference the session itself.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a milestone.
type Kind string

// Milestones reported by the tracker. Failures are never notified.
const (
	KindItemProcessed Kind = "item_processed"
	KindJobComplete   Kind = "job_complete"
)

// Notification is one milestone signal.
type Notification struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	Processed int       `json:"processed"`
	// Total is zero for KindJobComplete when no items were found.
	Total int `json:"total,omitzero"`
}

// Attributes returns message attributes for publishers that support them.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"kind": string(n.Kind)}
}

// Observer receives notifications synchronously on the notifying goroutine.
// Observers that do slow work should hand off to their own goroutine.
type Observer func(Notification)

// Notifier is a registry of observers. It is safe for concurrent use.
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	observers []entry
	now       func() time.Time
	logger    *zap.Logger
}

type entry struct {
	id uint64
	fn Observer
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithClock overrides the time source used to stamp notifications.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

// New returns an empty Notifier.
func New(logger *zap.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is idempotent.
func (n *Notifier) Subscribe(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.observers = append(n.observers, entry{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, e := range n.observers {
		if e.id == id {
			n.observers = append(n.observers[:i:i], n.observers[i+1:]...)
			return
		}
	}
}

// Len reports the number of registered observers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}

// NotifyItemProcessed signals that one more item finished.
func (n *Notifier) NotifyItemProcessed(processed, total int) {
	n.publish(Notification{Kind: KindItemProcessed, At: n.now(), Processed: processed, Total: total})
}

// NotifyJobComplete signals successful completion of the whole job.
func (n *Notifier) NotifyJobComplete(processed, total int) {
	n.publish(Notification{Kind: KindJobComplete, At: n.now(), Processed: processed, Total: total})
}

func (n *Notifier) publish(note Notification) {
	n.mu.RLock()
	snapshot := make([]entry, len(n.observers))
	copy(snapshot, n.observers)
	n.mu.RUnlock()

	for _, e := range snapshot {
		n.deliver(e, note)
	}
}

func (n *Notifier) deliver(e entry, note Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("observer panicked",
				zap.Uint64("observer", e.id),
				zap.String("kind", string(note.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	e.fn(note)
}
