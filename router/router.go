// Package router multiplexes many senders over one host connection.
//
// A Router is an actor: Run owns the host connection state machine, the
// sender registry, the pending queue and the media index, and serves every
// other method through a mailbox. Host replies arrive on an event channel
// tagged with the connection generation; events from a torn-down connection
// are discarded.
//
// Connection states:
//
//	Disconnected --first forwarded request--> Connecting (host spawned, version probe written)
//	Connecting   --version >= minimum-------> Ready (pending requests written in order)
//	Connecting   --version missing or old---> Rejected --> Disconnected
//	Ready        --version missing or old---> Rejected --> Disconnected
//	Connecting|Ready --stream closed--------> Disconnected
//
// Requests submitted while Connecting wait in a bounded queue. They are
// dropped without a reply when the connection is rejected or closes first.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/host"
	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/journal"
	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/metrics"
	"github.com/nzilbb/jsendpraat/registry"
	"github.com/nzilbb/jsendpraat/state"
	"github.com/nzilbb/jsendpraat/types"
)

// Defaults for Config.
const (
	DefaultPendingLimit  = 32
	DefaultMailboxSize   = 64
	DefaultEventBuffer   = 64
	DefaultNoticeTimeout = 10 * time.Second
	stateWriteTimeout    = 5 * time.Second
)

var (
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("router closed")
	// ErrUnknownRequest is returned by Submit for a nil request.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("router already running")
)

// Indicator shows a per-sender media count, e.g. an extension badge.
// A count of zero clears it.
type Indicator interface {
	SetBadge(sender types.SenderID, count int)
}

// IndicatorFunc adapts a function to Indicator.
type IndicatorFunc func(sender types.SenderID, count int)

// SetBadge implements Indicator.
func (f IndicatorFunc) SetBadge(sender types.SenderID, count int) { f(sender, count) }

// Config configures a Router.
type Config struct {
	// Launcher starts host transports (required).
	Launcher host.Launcher
	// Framer configures inbound framing.
	Framer ipc.FramerConfig
	// OutboxSize bounds frames queued for the host writer.
	OutboxSize int
	// MinVersion is the minimum accepted host version.
	// Defaults to types.MinHostVersion.
	MinVersion string
	// PendingLimit bounds requests held while Connecting.
	PendingLimit int
	// MailboxSize bounds queued commands.
	MailboxSize int
	// Store persists installation state. Defaults to a MemoryStore.
	Store state.Store
	// Notifier publishes lifecycle notices. Defaults to logging them.
	Notifier adapter.Notifier
	// NoticeTimeout bounds each notice publish.
	NoticeTimeout time.Duration
	// Journal records traffic. Defaults to journal.Discard.
	Journal journal.Recorder
	// Collector counts traffic. Optional.
	Collector *metrics.Collector
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Indicator receives media counts. Optional.
	Indicator Indicator
	// OnStateChange is called from the loop on every transition. Optional.
	OnStateChange func(from, to types.ConnectionState)
}

type pendingRequest struct {
	sender  types.SenderID
	kind    types.RequestKind
	payload []byte
}

// Router routes sender requests to the host and host replies back.
type Router struct {
	config    Config
	logger    *log.Logger
	collector *metrics.Collector
	journal   journal.Recorder

	mailbox chan func()
	events  chan host.Event
	done    chan struct{}
	running atomic.Bool

	notices sync.WaitGroup

	// Owned by the Run loop.
	runCtx        context.Context
	registry      *registry.Registry
	state         types.ConnectionState
	conn          *host.Conn
	gen           uint64
	session       string
	hostVersion   string
	lastRejection string
	pending       []pendingRequest
	media         map[types.SenderID][]string
	inst          state.Installation
	noticesSent   map[adapter.NoticeKind]bool
}

// New creates a Router. Call Run to start it.
func New(config Config) (*Router, error) {
	if config.Launcher == nil {
		return nil, errors.New("router requires a host launcher")
	}
	if config.MinVersion == "" {
		config.MinVersion = types.MinHostVersion
	}
	if config.PendingLimit <= 0 {
		config.PendingLimit = DefaultPendingLimit
	}
	if config.MailboxSize <= 0 {
		config.MailboxSize = DefaultMailboxSize
	}
	if config.NoticeTimeout <= 0 {
		config.NoticeTimeout = DefaultNoticeTimeout
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	if config.Store == nil {
		config.Store = state.NewMemoryStore()
	}
	if config.Notifier == nil {
		config.Notifier = adapter.NewLogNotifier(config.Logger)
	}
	if config.Journal == nil {
		config.Journal = journal.Discard
	}

	return &Router{
		config:      config,
		logger:      config.Logger,
		collector:   config.Collector,
		journal:     config.Journal,
		mailbox:     make(chan func(), config.MailboxSize),
		events:      make(chan host.Event, DefaultEventBuffer),
		done:        make(chan struct{}),
		registry:    registry.New(),
		state:       types.StateDisconnected,
		media:       make(map[types.SenderID][]string),
		noticesSent: make(map[adapter.NoticeKind]bool),
	}, nil
}

// Done is closed when Run has exited.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Run serves the mailbox and host events until ctx is canceled. On exit the
// host is killed and reaped and queued requests are dropped.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.done)

	inst, err := r.config.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load installation state: %w", err)
	}
	r.inst = inst
	r.runCtx = ctx
	r.logger = r.logger.WithInstallation(inst.ID)
	r.logger.Info("router started", map[string]any{
		"ever_ready":      inst.EverReady,
		"minimum_version": r.config.MinVersion,
		"raw_frames":      r.config.Framer.Raw,
	})

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case cmd := <-r.mailbox:
			cmd()
		case ev := <-r.events:
			r.handleEvent(ev)
		}
	}
}

func (r *Router) shutdown() {
	if r.conn != nil {
		r.teardown(metrics.DropClosed, "router shutdown")
	}
	r.setState(types.StateDisconnected)

	waited := make(chan struct{})
	go func() {
		r.notices.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(r.config.NoticeTimeout):
		r.logger.Warn("lifecycle notices still pending at shutdown", nil)
	}
	r.logger.Info("router stopped", nil)
}

// send enqueues cmd for the loop.
func (r *Router) send(ctx context.Context, cmd func()) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.mailbox <- cmd:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// query runs fn on the loop and waits for it.
func (r *Router) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := r.send(ctx, func() {
		fn()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register routes replies for id to ch. An existing entry for id is
// replaced; senders reusing an id (a reloaded tab) take over its replies.
func (r *Router) Register(ctx context.Context, id types.SenderID, ch registry.Channel) error {
	return r.send(ctx, func() {
		if r.registry.Register(id, ch) {
			r.logger.Debug("sender replaced", map[string]any{"sender": string(id)})
		}
	})
}

// Unregister removes id if it is still bound to ch, and forgets its media.
func (r *Router) Unregister(ctx context.Context, id types.SenderID, ch registry.Channel) error {
	return r.send(ctx, func() {
		if r.registry.UnregisterChannel(id, ch) {
			delete(r.media, id)
		}
	})
}

// Submit hands a request from id to the router. It returns once the request
// is queued; replies arrive on the sender's channel.
func (r *Router) Submit(ctx context.Context, id types.SenderID, req types.Request) error {
	if req == nil {
		return ErrUnknownRequest
	}
	return r.send(ctx, func() { r.submit(id, req) })
}

// Media returns the media URLs registered by id.
func (r *Router) Media(ctx context.Context, id types.SenderID) ([]string, error) {
	var urls []string
	err := r.query(ctx, func() {
		urls = append([]string(nil), r.media[id]...)
	})
	return urls, err
}

func (r *Router) submit(id types.SenderID, req types.Request) {
	r.collector.IncSubmitted()

	if media, ok := req.(types.RegisterMedia); ok {
		r.registerMedia(id, media.URLs)
		return
	}

	payload, err := ipc.EncodeRequest(req, id)
	if err != nil {
		r.logger.Error("failed to encode request", map[string]any{
			"sender": string(id),
			"kind":   string(req.Kind()),
			"error":  err.Error(),
		})
		return
	}
	p := pendingRequest{sender: id, kind: req.Kind(), payload: payload}

	switch r.state {
	case types.StateReady:
		r.write(p)
		return
	case types.StateDisconnected, types.StateRejected:
		if err := r.connect(); err != nil {
			r.drop([]pendingRequest{p}, metrics.DropStartFailed, err.Error())
			return
		}
	}

	if len(r.pending) >= r.config.PendingLimit {
		r.drop([]pendingRequest{p}, metrics.DropOverflow, "pending queue full")
		return
	}
	r.pending = append(r.pending, p)
	r.collector.IncQueued()
}

func (r *Router) registerMedia(id types.SenderID, urls []string) {
	if len(urls) == 0 {
		delete(r.media, id)
	} else {
		r.media[id] = append([]string(nil), urls...)
	}
	if r.config.Indicator != nil {
		r.config.Indicator.SetBadge(id, len(urls))
	}
}

// connect spawns a host and writes the version probe.
func (r *Router) connect() error {
	r.gen++
	r.session = uuid.NewString()
	r.hostVersion = ""
	r.setState(types.StateConnecting)

	conn, err := host.Dial(r.runCtx, r.config.Launcher, r.gen, host.ConnConfig{
		Framer:     r.config.Framer,
		OutboxSize: r.config.OutboxSize,
		Logger:     r.logger.Named("host"),
	}, r.events)
	if err != nil {
		r.collector.IncLaunchFailure()
		r.setState(types.StateDisconnected)
		r.logger.Warn("host failed to start", map[string]any{
			"gen":           r.gen,
			"not_installed": host.IsNotInstalled(err),
			"error":         err.Error(),
		})
		r.notify(adapter.NoticeInstallNeeded, "", err.Error())
		return err
	}

	r.conn = conn
	r.collector.IncLaunchSuccess()
	r.record(journal.Record{Direction: journal.DirectionOut, Kind: string(types.RequestGetVersion), Size: len(ipc.VersionProbe())})
	r.logger.Debug("host started", map[string]any{"gen": r.gen, "session": r.session})
	return nil
}

func (r *Router) write(p pendingRequest) {
	if err := r.conn.Send(p.payload); err != nil {
		reason := metrics.DropClosed
		if errors.Is(err, host.ErrOutboxFull) {
			reason = metrics.DropOutboxFull
		}
		r.drop([]pendingRequest{p}, reason, err.Error())
		return
	}
	r.collector.IncForwarded()
	r.record(journal.Record{
		Sender:    string(p.sender),
		Direction: journal.DirectionOut,
		Kind:      string(p.kind),
		Size:      len(p.payload),
	})
}

func (r *Router) drop(requests []pendingRequest, reason, detail string) {
	if len(requests) == 0 {
		return
	}
	r.collector.AddDropped(reason, len(requests))
	senders := make([]string, 0, len(requests))
	for _, p := range requests {
		senders = append(senders, string(p.sender))
		r.record(journal.Record{
			Sender:    string(p.sender),
			Direction: journal.DirectionDropped,
			Kind:      string(p.kind),
			Detail:    reason,
			Size:      len(p.payload),
		})
	}
	r.logger.Warn("requests dropped", map[string]any{
		"reason":  reason,
		"detail":  detail,
		"count":   len(requests),
		"senders": senders,
	})
}

// teardown closes the current connection and drops what was waiting on it.
func (r *Router) teardown(reason, detail string) {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	pending := r.pending
	r.pending = nil
	r.drop(pending, reason, detail)
}

func (r *Router) setState(to types.ConnectionState) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	r.logger.Debug("connection state", map[string]any{"from": from.String(), "to": to.String(), "gen": r.gen})
	if r.config.OnStateChange != nil {
		r.config.OnStateChange(from, to)
	}
}

func (r *Router) record(rec journal.Record) {
	rec.Time = time.Now()
	rec.Session = r.session
	r.journal.Record(rec)
}
