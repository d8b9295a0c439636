package memory

import (
	"context"
	"fmt"
	"sync"

	audit "nest/pkg/platform/audit"
	"nest/pkg/platform/sentinel"
	"nest/pkg/platform/tx"
)

// InMemoryStore keeps the chain in a slice indexed by sequence-1.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Tail returns the last link. Appends are serialized by the memory tx runner.
func (s *InMemoryStore) Tail(_ context.Context) (audit.Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return audit.Tail{Sequence: 0, Hash: audit.GenesisHash}, nil
	}
	last := s.entries[len(s.entries)-1]
	return audit.Tail{Sequence: last.Sequence, Hash: last.EntryHash}, nil
}

func (s *InMemoryStore) Insert(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Sequence != int64(len(s.entries))+1 {
		return fmt.Errorf("sequence %d does not extend tail %d: %w", entry.Sequence, len(s.entries), sentinel.ErrConflict)
	}
	s.entries = append(s.entries, entry.Clone())
	seq := entry.Sequence
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if int64(len(s.entries)) >= seq {
			s.entries = s.entries[:seq-1]
		}
	})
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sequence int64) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sequence < 1 || sequence > int64(len(s.entries)) {
		return nil, sentinel.ErrNotFound
	}
	return s.entries[sequence-1].Clone(), nil
}

func (s *InMemoryStore) List(_ context.Context, rng audit.Range) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if rng.Contains(e.Sequence) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Entry
	for _, e := range s.entries {
		if e.EscrowID == escrowID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Overwrite replaces a stored entry in place, bypassing the chain. It exists so
// tests can simulate tampering with persisted history.
func (s *InMemoryStore) Overwrite(sequence int64, mutate func(*audit.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence < 1 || sequence > int64(len(s.entries)) {
		return sentinel.ErrNotFound
	}
	mutate(s.entries[sequence-1])
	return nil
}

// Len returns the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
