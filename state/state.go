// Package state persists per-installation facts that outlive one bridge
// process: whether any host connection ever reached Ready, and which host
// version last did.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Installation is the persisted installation record.
type Installation struct {
	ID              string     `json:"id"`
	EverReady       bool       `json:"ever_ready"`
	LastHostVersion string     `json:"last_host_version,omitempty"`
	FirstReadyAt    *time.Time `json:"first_ready_at,omitempty"`
}

// Store persists the installation record.
type Store interface {
	// Load returns the installation record, creating its id on first use.
	Load(ctx context.Context) (Installation, error)
	// MarkReady records a successful handshake with hostVersion.
	MarkReady(ctx context.Context, hostVersion string) error
	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-process Store. Useful for tests and one-shot CLI runs.
type MemoryStore struct {
	mu   sync.Mutex
	inst Installation
	now  func() time.Time
}

// NewMemoryStore creates a MemoryStore for a fresh installation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inst: Installation{ID: uuid.NewString()},
		now:  time.Now,
	}
}

// NewMemoryStoreFrom creates a MemoryStore seeded with inst.
func NewMemoryStoreFrom(inst Installation) *MemoryStore {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	return &MemoryStore{inst: inst, now: time.Now}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst, nil
}

// MarkReady implements Store.
func (s *MemoryStore) MarkReady(_ context.Context, hostVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inst.EverReady {
		now := s.now().UTC()
		s.inst.FirstReadyAt = &now
	}
	s.inst.EverReady = true
	s.inst.LastHostVersion = hostVersion
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
