package notify

import (
	"context"
)

// Notifier defines the interface for sending operator notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to several notifiers. Individual
// failures do not stop delivery to the rest; the last error is returned.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}
