package scrape

import (
	"context"

	"go.uber.org/zap"
)

// Notification is a user-facing message about a scrape outcome. Delivery
// (email, push, UI toast) belongs to the Notifier.
type Notification struct {
	Level string `json:"level"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Notifier delivers notifications raised by Live-mode scrapes.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at warn level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn(note.Title,
		zap.String("level", note.Level),
		zap.String("body", note.Body),
		zap.String("url", note.URL),
	)
	return nil
}
