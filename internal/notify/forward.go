package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher sends a payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ForwardConfig controls a forwarding observer.
type ForwardConfig struct {
	Topic string
	// Timeout bounds each publish; zero means 5s.
	Timeout time.Duration
	// BaseContext is the parent for publish contexts; nil means Background.
	BaseContext context.Context
	Logger      *zap.Logger
}

// Forward returns an Observer that publishes every notification through pub
// on its own goroutine. Publish failures are logged and dropped.
func Forward(pub Publisher, cfg ForwardConfig) Observer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(note Notification) {
		go func() {
			ctx, cancel := context.WithTimeout(cfg.BaseContext, cfg.Timeout)
			defer cancel()
			id, err := pub.Publish(ctx, cfg.Topic, note)
			if err != nil {
				cfg.Logger.Warn("notification publish failed",
					zap.String("topic", cfg.Topic),
					zap.String("kind", string(note.Kind)),
					zap.Error(err),
				)
				return
			}
			cfg.Logger.Debug("notification published",
				zap.String("topic", cfg.Topic),
				zap.String("kind", string(note.Kind)),
				zap.String("message_id", id),
			)
		}()
	}
}
