// Package metrics provides bridge counters.
//
// The Collector accumulates counters for the lifetime of a bridge process.
// It is a leaf package with no internal dependencies: reply kinds, drop
// reasons and notice kinds are plain strings.
package metrics

import (
	"maps"
	"sync"
)

// Drop reasons for requests that never reach the host.
const (
	DropRejected    = "rejected"
	DropClosed      = "closed"
	DropOverflow    = "overflow"
	DropOutboxFull  = "outbox_full"
	DropStartFailed = "start_failed"
)

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Requests
	RequestsSubmitted int64            `json:"requests_submitted"`
	RequestsForwarded int64            `json:"requests_forwarded"`
	RequestsQueued    int64            `json:"requests_queued"`
	RequestsDropped   int64            `json:"requests_dropped"`
	DroppedByReason   map[string]int64 `json:"dropped_by_reason,omitempty"`

	// Replies
	RepliesReceived  int64            `json:"replies_received"`
	RepliesByKind    map[string]int64 `json:"replies_by_kind,omitempty"`
	RepliesDelivered int64            `json:"replies_delivered"`
	DeliveryMisses   int64            `json:"delivery_misses"`

	// Host connection
	HostLaunchSuccess  int64 `json:"host_launch_success"`
	HostLaunchFailure  int64 `json:"host_launch_failure"`
	HandshakesAccepted int64 `json:"handshakes_accepted"`
	HandshakesRejected int64 `json:"handshakes_rejected"`
	FrameErrors        int64 `json:"frame_errors"`
	HostCloses         int64 `json:"host_closes"`

	// Lifecycle notices
	Notices map[string]int64 `json:"notices,omitempty"`

	// Journal
	JournalWriteSuccess int64 `json:"journal_write_success"`
	JournalWriteFailure int64 `json:"journal_write_failure"`

	// Dimensions (informational, set at construction)
	Framing        string `json:"framing"`
	JournalBackend string `json:"journal_backend"`
}

// Collector accumulates bridge counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	requestsSubmitted int64
	requestsForwarded int64
	requestsQueued    int64
	droppedByReason   map[string]int64

	repliesByKind    map[string]int64
	repliesDelivered int64
	deliveryMisses   int64

	hostLaunchSuccess  int64
	hostLaunchFailure  int64
	handshakesAccepted int64
	handshakesRejected int64
	frameErrors        int64
	hostCloses         int64

	notices map[string]int64

	journalWriteSuccess int64
	journalWriteFailure int64

	framing        string
	journalBackend string
}

// NewCollector creates a Collector with dimension labels.
// framing is "prefixed" or "raw"; journalBackend is "fs", "s3" or "none".
func NewCollector(framing, journalBackend string) *Collector {
	return &Collector{
		droppedByReason: make(map[string]int64),
		repliesByKind:   make(map[string]int64),
		notices:         make(map[string]int64),
		framing:         framing,
		journalBackend:  journalBackend,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Requests ---

// IncSubmitted records a request accepted from a sender.
func (c *Collector) IncSubmitted() {
	if c == nil {
		return
	}
	c.inc(&c.requestsSubmitted)
}

// IncForwarded records a request frame queued for the host.
func (c *Collector) IncForwarded() {
	if c == nil {
		return
	}
	c.inc(&c.requestsForwarded)
}

// IncQueued records a request held while the handshake is in flight.
func (c *Collector) IncQueued() {
	if c == nil {
		return
	}
	c.inc(&c.requestsQueued)
}

// AddDropped records n requests dropped for reason.
func (c *Collector) AddDropped(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.droppedByReason[reason] += int64(n)
	c.mu.Unlock()
}

// --- Replies ---

// IncReply records a decoded host reply of kind.
func (c *Collector) IncReply(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.repliesByKind[kind]++
	c.mu.Unlock()
}

// IncDelivered records a reply handed to a sender channel.
func (c *Collector) IncDelivered() {
	if c == nil {
		return
	}
	c.inc(&c.repliesDelivered)
}

// IncDeliveryMiss records a reply for an unknown, removed or full sender.
func (c *Collector) IncDeliveryMiss() {
	if c == nil {
		return
	}
	c.inc(&c.deliveryMisses)
}

// --- Host connection ---

// IncLaunchSuccess records a started host process.
func (c *Collector) IncLaunchSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.hostLaunchSuccess)
}

// IncLaunchFailure records a host that could not be started.
func (c *Collector) IncLaunchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.hostLaunchFailure)
}

// IncHandshakeAccepted records a version at or above the minimum.
func (c *Collector) IncHandshakeAccepted() {
	if c == nil {
		return
	}
	c.inc(&c.handshakesAccepted)
}

// IncHandshakeRejected records a missing or too-old version.
func (c *Collector) IncHandshakeRejected() {
	if c == nil {
		return
	}
	c.inc(&c.handshakesRejected)
}

// IncFrameErrors records a fatal framing error.
func (c *Collector) IncFrameErrors() {
	if c == nil {
		return
	}
	c.inc(&c.frameErrors)
}

// IncHostClose records the end of a host stream.
func (c *Collector) IncHostClose() {
	if c == nil {
		return
	}
	c.inc(&c.hostCloses)
}

// --- Notices ---

// IncNotice records a lifecycle notice of kind.
func (c *Collector) IncNotice(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.notices[kind]++
	c.mu.Unlock()
}

// --- Journal ---
// Journal counters are per flush, not per record.

// IncJournalWriteSuccess records a successful journal flush.
func (c *Collector) IncJournalWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.journalWriteSuccess)
}

// IncJournalWriteFailure records a failed journal flush.
func (c *Collector) IncJournalWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.journalWriteFailure)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped, received int64
	for _, n := range c.droppedByReason {
		dropped += n
	}
	for _, n := range c.repliesByKind {
		received += n
	}

	return Snapshot{
		RequestsSubmitted: c.requestsSubmitted,
		RequestsForwarded: c.requestsForwarded,
		RequestsQueued:    c.requestsQueued,
		RequestsDropped:   dropped,
		DroppedByReason:   maps.Clone(c.droppedByReason),

		RepliesReceived:  received,
		RepliesByKind:    maps.Clone(c.repliesByKind),
		RepliesDelivered: c.repliesDelivered,
		DeliveryMisses:   c.deliveryMisses,

		HostLaunchSuccess:  c.hostLaunchSuccess,
		HostLaunchFailure:  c.hostLaunchFailure,
		HandshakesAccepted: c.handshakesAccepted,
		HandshakesRejected: c.handshakesRejected,
		FrameErrors:        c.frameErrors,
		HostCloses:         c.hostCloses,

		Notices: maps.Clone(c.notices),

		JournalWriteSuccess: c.journalWriteSuccess,
		JournalWriteFailure: c.journalWriteFailure,

		Framing:        c.framing,
		JournalBackend: c.journalBackend,
	}
}
