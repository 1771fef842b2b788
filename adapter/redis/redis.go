// Package redis publishes lifecycle notices on a Redis pub/sub channel.
//
// Each notice is published to the base channel and to a per-kind channel
// ("<channel>:<event_type>") so subscribers can listen for one kind only.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nzilbb/jsendpraat/adapter"
)

// Defaults for Config.
const (
	DefaultChannel = "jsendpraat:lifecycle"
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

// Config configures the Redis notifier.
type Config struct {
	// URL is redis://[:password@]host:port[/db] (required).
	URL string
	// Channel is the base channel name.
	Channel string
	// Timeout bounds each publish attempt.
	Timeout time.Duration
	// Retries after the first attempt.
	Retries int
}

// Notifier publishes lifecycle notices via Redis PUBLISH.
type Notifier struct {
	channel string
	timeout time.Duration
	retries int
	client  *goredis.Client
}

// New validates cfg and creates a Notifier. No connection is made until
// the first publish.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	n := &Notifier{
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		client:  goredis.NewClient(opts),
	}
	if n.channel == "" {
		n.channel = DefaultChannel
	}
	if n.timeout <= 0 {
		n.timeout = DefaultTimeout
	}
	return n, nil
}

// Channel returns the base channel.
func (n *Notifier) Channel() string { return n.channel }

// KindChannel returns the channel that carries only notices of kind.
func (n *Notifier) KindChannel(kind adapter.NoticeKind) string {
	return n.channel + ":" + string(kind)
}

// Publish implements adapter.Notifier.
func (n *Notifier) Publish(ctx context.Context, notice *adapter.LifecycleNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("redis: marshal notice: %w", err)
	}

	channels := []string{n.channel, n.KindChannel(notice.EventType)}
	sent := 0
	err = adapter.Retry(ctx, n.retries, func(ctx context.Context) error {
		for sent < len(channels) {
			publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
			err := n.client.Publish(publishCtx, channels[sent], body).Err()
			cancel()
			if err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (n *Notifier) Close() error {
	return n.client.Close()
}

var _ adapter.Notifier = (*Notifier)(nil)
