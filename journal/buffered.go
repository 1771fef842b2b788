package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/metrics"
)

// Defaults for BufferedConfig.
const (
	DefaultBufferRecords = 1000
	DefaultFlushCount    = 100
	DefaultFlushInterval = 5 * time.Second
)

// kindProgress marks the records evicted first when the buffer is full.
const kindProgress = "progress"

// Recorder accepts journal records. Record never blocks on storage.
type Recorder interface {
	Record(r Record)
	Close() error
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Record) {}
func (discard) Close() error  { return nil }

// FlushTrigger identifies what caused a flush.
type FlushTrigger string

const (
	// FlushTriggerCount fires when FlushCount records are buffered.
	FlushTriggerCount FlushTrigger = "count"
	// FlushTriggerInterval fires every FlushInterval.
	FlushTriggerInterval FlushTrigger = "interval"
	// FlushTriggerTermination fires on Close.
	FlushTriggerTermination FlushTrigger = "termination"
)

// BufferedConfig configures a Buffered recorder.
type BufferedConfig struct {
	// MaxRecords bounds the buffer. When full, progress records are
	// evicted oldest first, then incoming records are dropped.
	MaxRecords int
	// FlushCount triggers a flush once this many records are buffered.
	FlushCount int
	// FlushInterval triggers a periodic flush. Zero disables it.
	FlushInterval time.Duration
	// Logger is optional.
	Logger *log.Logger
	// Collector counts flush outcomes. Optional.
	Collector *metrics.Collector
}

// ErrInvalidConfig is returned when MaxRecords or FlushCount is negative.
var ErrInvalidConfig = errors.New("invalid journal config")

// Stats describes a Buffered recorder.
type Stats struct {
	Recorded      int64
	Persisted     int64
	Dropped       int64
	DroppedByKind map[string]int64
	Flushes       map[FlushTrigger]int64
	Errors        int64
	Buffered      int
}

// Buffered batches records in memory and writes them to a Sink from a
// background goroutine.
type Buffered struct {
	sink      Sink
	config    BufferedConfig
	logger    *log.Logger
	collector *metrics.Collector

	mu     sync.Mutex // guards buffer and stats
	buffer []Record
	stats  Stats

	flushMu sync.Mutex // serializes sink writes

	kick      chan struct{}
	stopCh    chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewBuffered creates a recorder writing to sink and starts its flush loop.
func NewBuffered(sink Sink, config BufferedConfig) (*Buffered, error) {
	if config.MaxRecords < 0 || config.FlushCount < 0 || config.FlushInterval < 0 {
		return nil, ErrInvalidConfig
	}
	if config.MaxRecords == 0 {
		config.MaxRecords = DefaultBufferRecords
	}
	if config.FlushCount == 0 {
		config.FlushCount = DefaultFlushCount
	}
	config.FlushCount = min(config.FlushCount, config.MaxRecords)

	b := &Buffered{
		sink:      sink,
		config:    config,
		logger:    config.Logger,
		collector: config.Collector,
		buffer:    make([]Record, 0, config.FlushCount),
		stats: Stats{
			DroppedByKind: make(map[string]int64),
			Flushes:       make(map[FlushTrigger]int64),
		},
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// Record implements Recorder.
//
// Drop strategy when full:
//   - incoming progress record: dropped
//   - otherwise: evict the oldest buffered progress record
//   - no progress record to evict: incoming record dropped
func (b *Buffered) Record(r Record) {
	b.mu.Lock()
	b.stats.Recorded++

	if len(b.buffer) >= b.config.MaxRecords {
		if r.Kind == kindProgress || !b.evictProgress() {
			b.dropLocked(r.Kind)
			b.mu.Unlock()
			return
		}
	}

	b.buffer = append(b.buffer, r)
	full := len(b.buffer) >= b.config.FlushCount
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// evictProgress removes the oldest progress record. Caller must hold mu.
func (b *Buffered) evictProgress() bool {
	for i, r := range b.buffer {
		if r.Kind == kindProgress {
			b.buffer = append(b.buffer[:i], b.buffer[i+1:]...)
			b.dropLocked(r.Kind)
			return true
		}
	}
	return false
}

// dropLocked counts a dropped record. Caller must hold mu.
func (b *Buffered) dropLocked(kind string) {
	b.stats.Dropped++
	b.stats.DroppedByKind[kind]++
	if b.logger != nil {
		b.logger.Debug("journal record dropped", map[string]any{"kind": kind, "reason": "buffer_full"})
	}
}

func (b *Buffered) loop() {
	defer close(b.loopDone)

	var tick <-chan time.Time
	if b.config.FlushInterval > 0 {
		ticker := time.NewTicker(b.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-b.kick:
			_ = b.flush(context.Background(), FlushTriggerCount)
		case <-tick:
			_ = b.flush(context.Background(), FlushTriggerInterval)
		case <-b.stopCh:
			return
		}
	}
}

// Flush writes everything buffered.
func (b *Buffered) Flush(ctx context.Context) error {
	return b.flush(ctx, FlushTriggerTermination)
}

func (b *Buffered) flush(ctx context.Context, trigger FlushTrigger) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buffer
	if len(batch) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.buffer = make([]Record, 0, b.config.FlushCount)
	b.stats.Flushes[trigger]++
	b.mu.Unlock()

	if err := b.sink.Write(ctx, batch); err != nil {
		b.collector.IncJournalWriteFailure()
		b.mu.Lock()
		b.stats.Errors++
		// Requeue ahead of newer records, then re-apply the bound.
		b.buffer = append(batch, b.buffer...)
		for len(b.buffer) > b.config.MaxRecords {
			if !b.evictProgress() {
				b.dropLocked(b.buffer[0].Kind)
				b.buffer = b.buffer[1:]
			}
		}
		b.mu.Unlock()
		if b.logger != nil {
			b.logger.Error("journal flush failed", map[string]any{
				"trigger":   string(trigger),
				"records":   len(batch),
				"transient": Transient(err),
				"error":     err.Error(),
			})
		}
		return err
	}

	b.collector.IncJournalWriteSuccess()
	b.mu.Lock()
	b.stats.Persisted += int64(len(batch))
	b.mu.Unlock()
	if b.logger != nil {
		b.logger.Debug("journal flush", map[string]any{"trigger": string(trigger), "records": len(batch)})
	}
	return nil
}

// Close stops the flush loop, flushes remaining records and closes the sink.
func (b *Buffered) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.loopDone
		flushErr := b.Flush(context.Background())
		b.closeErr = errors.Join(flushErr, b.sink.Close())
	})
	return b.closeErr
}

// Stats returns a snapshot of recorder statistics.
func (b *Buffered) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.DroppedByKind = make(map[string]int64, len(b.stats.DroppedByKind))
	for k, v := range b.stats.DroppedByKind {
		s.DroppedByKind[k] = v
	}
	s.Flushes = make(map[FlushTrigger]int64, len(b.stats.Flushes))
	for k, v := range b.stats.Flushes {
		s.Flushes[k] = v
	}
	s.Buffered = len(b.buffer)
	return s
}

var _ Recorder = (*Buffered)(nil)
