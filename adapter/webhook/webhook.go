// Package webhook posts lifecycle notices to an HTTP endpoint.
//
// The body is the notice JSON. The event type and installation id are
// repeated in headers so receivers can route without parsing the body.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/iox"
)

// Defaults for Config.
const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3
)

// Headers set on every request.
const (
	HeaderEvent        = "X-Jsendpraat-Event"
	HeaderInstallation = "X-Jsendpraat-Installation"
)

// Config configures the webhook notifier.
type Config struct {
	// URL is the http or https endpoint (required).
	URL string
	// Headers are added to each request, e.g. an auth token.
	Headers map[string]string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Retries after the first attempt. 4xx responses are never retried.
	Retries int
}

// Notifier publishes lifecycle notices via HTTP POST.
type Notifier struct {
	url     string
	headers http.Header
	retries int
	client  *http.Client
}

// New validates cfg and creates a Notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook notifier requires a URL")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook notifier: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook notifier: unsupported URL scheme %q", u.Scheme)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	headers := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	headers.Set("Content-Type", "application/json")

	return &Notifier{
		url:     u.String(),
		headers: headers,
		retries: cfg.Retries,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Timeout returns the per-attempt timeout.
func (n *Notifier) Timeout() time.Duration { return n.client.Timeout }

// Retries returns the configured retry count.
func (n *Notifier) Retries() int { return n.retries }

// Publish implements adapter.Notifier.
func (n *Notifier) Publish(ctx context.Context, notice *adapter.LifecycleNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("webhook: marshal notice: %w", err)
	}
	err = adapter.Retry(ctx, n.retries, func(ctx context.Context) error {
		return n.post(ctx, notice, body)
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (n *Notifier) post(ctx context.Context, notice *adapter.LifecycleNotice, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return adapter.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header = n.headers.Clone()
	req.Header.Set(HeaderEvent, string(notice.EventType))
	if notice.InstallationID != "" {
		req.Header.Set(HeaderInstallation, notice.InstallationID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return adapter.Permanent(&StatusError{Code: resp.StatusCode})
	default:
		return &StatusError{Code: resp.StatusCode}
	}
}

// Close drops idle connections.
func (n *Notifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}

var _ adapter.Notifier = (*Notifier)(nil)
