package notify

import (
	"context"
	"errors"

	"actionrunner/internal/core"
)

var (
	_ core.Notifier = (*MultiNotifier)(nil)
	_ core.Notifier = NoOpNotifier{}
)

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier struct {
	notifiers []core.Notifier
}

func NewMultiNotifier(notifiers ...core.Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify delivers to every notifier; a failing one does not stop the rest.
func (m *MultiNotifier) Notify(ctx context.Context, msg core.Notification) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(context.Context, core.Notification) error {
	return nil
}
