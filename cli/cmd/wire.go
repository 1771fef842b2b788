package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/adapter/redis"
	"github.com/nzilbb/jsendpraat/adapter/webhook"
	"github.com/nzilbb/jsendpraat/cli/config"
	"github.com/nzilbb/jsendpraat/host"
	"github.com/nzilbb/jsendpraat/iox"
	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/journal"
	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/metrics"
	"github.com/nzilbb/jsendpraat/state"
)

// loadConfig resolves the config for c: file, then environment, then the
// --log-level flag.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return nil, err
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// buildLogger returns the root logger at the configured level.
func buildLogger(cfg *config.Config) (*log.Logger, error) {
	logger := log.NewLoggerWithWriter("jsendpraat", os.Stderr)
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return logger, nil
}

// framing names the frame mode for metrics labels.
func framing(cfg *config.Config) string {
	if cfg.Host.RawFrames {
		return "raw"
	}
	return "prefixed"
}

func framerConfig(cfg *config.Config) ipc.FramerConfig {
	return ipc.FramerConfig{
		Raw:            cfg.Host.RawFrames,
		MaxPayloadSize: cfg.Host.MaxFrameBytes,
	}
}

func buildLauncher(cfg *config.Config, logger *log.Logger) *host.ProcessLauncher {
	return host.NewProcessLauncher(host.ProcessConfig{
		Command: cfg.Host.Command,
		Args:    cfg.Host.Args,
		Env:     cfg.Host.Env,
		Raw:     cfg.Host.RawFrames,
		Logger:  logger.Named("host.stderr"),
	})
}

// openDataset opens the journal dataset for backend. path is a directory
// for fs and "bucket/prefix" for s3.
func openDataset(ctx context.Context, jc config.JournalConfig) (lode.Dataset, error) {
	switch jc.Backend {
	case config.JournalFS:
		return journal.NewFSDataset(jc.Path)
	case config.JournalS3:
		bucket, prefix := journal.ParseS3Path(jc.Path)
		return journal.NewS3Dataset(ctx, journal.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       jc.Region,
			Endpoint:     jc.Endpoint,
			UsePathStyle: jc.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("journal backend %q has no dataset", jc.Backend)
	}
}

// buildJournal returns the traffic recorder for cfg. A "none" backend
// yields journal.Discard.
func buildJournal(ctx context.Context, cfg *config.Config, logger *log.Logger, collector *metrics.Collector) (journal.Recorder, error) {
	if cfg.Journal.Backend == config.JournalNone {
		return journal.Discard, nil
	}
	ds, err := openDataset(ctx, cfg.Journal)
	if err != nil {
		return nil, err
	}
	sink := journal.NewLodeSink(ds)
	buffered, err := journal.NewBuffered(sink, journal.BufferedConfig{
		MaxRecords:    cfg.Journal.BufferRecords,
		FlushCount:    cfg.Journal.FlushCount,
		FlushInterval: cfg.Journal.FlushInterval.Duration,
		Logger:        logger.Named("journal"),
		Collector:     collector,
	})
	if err != nil {
		iox.DiscardClose(sink)
		return nil, err
	}
	return buffered, nil
}

// buildNotifier returns the lifecycle notifier for cfg. External
// notifiers are paired with the log notifier so notices always reach the
// log.
func buildNotifier(cfg *config.Config, logger *log.Logger) (adapter.Notifier, error) {
	logNotifier := adapter.NewLogNotifier(logger.Named("notice"))
	retries := config.DefaultNotifyRetries
	if cfg.Notify.Retries != nil {
		retries = *cfg.Notify.Retries
	}

	switch cfg.Notify.Type {
	case "", config.NotifyLog:
		return logNotifier, nil
	case config.NotifyWebhook:
		n, err := webhook.New(webhook.Config{
			URL:     cfg.Notify.URL,
			Headers: cfg.Notify.Headers,
			Timeout: cfg.Notify.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		return adapter.Multi{logNotifier, n}, nil
	case config.NotifyRedis:
		n, err := redis.New(redis.Config{
			URL:     cfg.Notify.URL,
			Channel: cfg.Notify.Channel,
			Timeout: cfg.Notify.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		return adapter.Multi{logNotifier, n}, nil
	default:
		return nil, fmt.Errorf("unknown notify type %q", cfg.Notify.Type)
	}
}

// components holds everything serve opens, in close order.
type components struct {
	logger    *log.Logger
	collector *metrics.Collector
	launcher  *host.ProcessLauncher
	store     state.Store
	journal   journal.Recorder
	notifier  adapter.Notifier
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	comp := &components{
		logger:    logger,
		collector: metrics.NewCollector(framing(cfg), cfg.Journal.Backend),
		launcher:  buildLauncher(cfg, logger),
	}

	store, err := state.OpenSQLite(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	comp.store = store

	comp.journal, err = buildJournal(ctx, cfg, logger, comp.collector)
	if err != nil {
		iox.DiscardClose(comp.store)
		return nil, fmt.Errorf("journal: %w", err)
	}

	comp.notifier, err = buildNotifier(cfg, logger)
	if err != nil {
		iox.DiscardClose(comp.journal)
		iox.DiscardClose(comp.store)
		return nil, err
	}
	return comp, nil
}

// Close flushes the journal and releases the notifier and store.
func (c *components) Close() error {
	err := iox.CloseAll(c.journal, c.notifier, c.store)
	_ = c.logger.Sync()
	return err
}
