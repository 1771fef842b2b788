// Package registry tracks live requesters and the channels used to reach them.
//
// A Registry has a single owner (the router's event loop) and is not safe
// for concurrent use. Entries are best-effort: a missing entry is a normal
// lookup outcome, never corruption.
package registry

import (
	"errors"
	"reflect"
	"sort"

	"github.com/nzilbb/jsendpraat/types"
)

// ErrUnknownSender is returned by Deliver when no channel is registered.
var ErrUnknownSender = errors.New("unknown sender")

// Channel delivers replies to one requester. Deliver must not block.
type Channel interface {
	Deliver(reply types.Reply) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(reply types.Reply) error

// Deliver calls f(reply).
func (f ChannelFunc) Deliver(reply types.Reply) error { return f(reply) }

// Registry maps sender ids to delivery channels.
type Registry struct {
	entries map[types.SenderID]Channel
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[types.SenderID]Channel)}
}

// Register inserts or replaces the channel for id. A browser may recycle a
// tab id, so replacement is legitimate. Returns true if an entry was replaced.
func (r *Registry) Register(id types.SenderID, ch Channel) bool {
	_, replaced := r.entries[id]
	r.entries[id] = ch
	return replaced
}

// Lookup returns the channel registered for id.
func (r *Registry) Lookup(id types.SenderID) (Channel, bool) {
	ch, ok := r.entries[id]
	return ch, ok
}

// Unregister removes id. Removing an absent id is a no-op.
func (r *Registry) Unregister(id types.SenderID) {
	delete(r.entries, id)
}

// UnregisterChannel removes id only while it still maps to ch, so a late
// disconnect of a replaced requester does not evict its successor.
// Returns true if the entry was removed.
func (r *Registry) UnregisterChannel(id types.SenderID, ch Channel) bool {
	current, ok := r.entries[id]
	if !ok || !sameChannel(current, ch) {
		return false
	}
	delete(r.entries, id)
	return true
}

// sameChannel compares channels by identity. Non-comparable channel values
// such as ChannelFunc never match.
func sameChannel(a, b Channel) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Deliver forwards reply to the channel registered for id.
// Returns ErrUnknownSender when id is absent; other entries are unaffected.
func (r *Registry) Deliver(id types.SenderID, reply types.Reply) error {
	ch, ok := r.entries[id]
	if !ok {
		return ErrUnknownSender
	}
	return ch.Deliver(reply)
}

// Len returns the number of registered senders.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Senders returns the registered ids in sorted order.
func (r *Registry) Senders() []types.SenderID {
	ids := make([]types.SenderID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
