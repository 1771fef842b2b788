package adapter

import (
	"context"
	"errors"

	"github.com/nzilbb/jsendpraat/log"
)

// LogNotifier writes notices to a logger. It is the default when no
// downstream system is configured.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a notifier that logs at warn level.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Publish implements Notifier.
func (n *LogNotifier) Publish(_ context.Context, notice *LifecycleNotice) error {
	n.logger.Warn("lifecycle notice", map[string]any{
		"event_type":      string(notice.EventType),
		"page":            notice.Page,
		"host_version":    notice.HostVersion,
		"minimum_version": notice.MinimumVersion,
		"reason":          notice.Reason,
	})
	return nil
}

// Close implements Notifier.
func (n *LogNotifier) Close() error { return nil }

// Multi fans a notice out to several notifiers. Every notifier is tried;
// failures are joined.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, notice *LifecycleNotice) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Notifier.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
