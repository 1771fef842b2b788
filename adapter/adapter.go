// Package adapter defines the boundary for surfacing lifecycle notices to the
// hosting environment.
//
// Notifiers publish install_needed and upgrade_needed notices to downstream
// systems (a browser UI, a desktop helper, a pub/sub channel). The router
// decides when a notice fires; notifiers only deliver it.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// NoticeKind identifies a lifecycle notice.
type NoticeKind string

const (
	// NoticeInstallNeeded means the host could never be reached.
	NoticeInstallNeeded NoticeKind = "install_needed"
	// NoticeUpgradeNeeded means the host announced a version below the minimum.
	NoticeUpgradeNeeded NoticeKind = "upgrade_needed"
)

// Page returns the help page the hosting environment should open.
func (k NoticeKind) Page() string {
	switch k {
	case NoticeInstallNeeded:
		return "install.html"
	case NoticeUpgradeNeeded:
		return "upgrade.html"
	default:
		return ""
	}
}

// LifecycleNotice is the payload published when the bridge cannot serve
// requests until the user acts.
type LifecycleNotice struct {
	EventType      NoticeKind `json:"event_type"`
	InstallationID string     `json:"installation_id"`
	Page           string     `json:"page"`
	HostVersion    string     `json:"host_version,omitempty"`
	MinimumVersion string     `json:"minimum_version"`
	Reason         string     `json:"reason,omitempty"`
	Timestamp      string     `json:"timestamp"` // ISO 8601
}

// NewNotice builds a notice of kind stamped with now.
func NewNotice(kind NoticeKind, installationID, hostVersion, minimum, reason string, now time.Time) *LifecycleNotice {
	return &LifecycleNotice{
		EventType:      kind,
		InstallationID: installationID,
		Page:           kind.Page(),
		HostVersion:    hostVersion,
		MinimumVersion: minimum,
		Reason:         reason,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
}

// Notifier publishes lifecycle notices to a downstream system.
type Notifier interface {
	// Publish sends a notice to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, notice *LifecycleNotice) error

	// Close releases notifier resources.
	Close() error
}

// RetryBackoff returns the retry schedule shared by the network notifiers:
// 500ms doubling up to 5s.
func RetryBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
	}
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanentError stops Retry.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls op up to 1+retries times, sleeping on the RetryBackoff
// schedule between attempts. It stops early on success, on a Permanent
// error, or when ctx is done.
func Retry(ctx context.Context, retries int, op func(ctx context.Context) error) error {
	attempts := 1 + max(retries, 0)
	delays := RetryBackoff()

	var lastErr error
	for i := range attempts {
		if i > 0 {
			if err := Sleep(ctx, delays.Duration()); err != nil {
				return fmt.Errorf("canceled during backoff: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("non-retriable error: %w", perm.err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
