package storage

import (
	"sync"

	"github.com/aurigraph/hyperraft/internal/raftlog"
)

// InMemoryStore keeps everything in process memory. It exists for tests
// and for ephemeral nodes that opt out of durability.
type InMemoryStore struct {
	mu        sync.RWMutex
	hardState HardState
	entries   map[uint64]raftlog.Entry
	snapshot  raftlog.Snapshot
	hasSnap   bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[uint64]raftlog.Entry)}
}

func (s *InMemoryStore) HardState() (HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, nil
}

func (s *InMemoryStore) SetHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = hs
	return nil
}

func (s *InMemoryStore) AppendEntries(entries []raftlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.Index] = e
	}
	return nil
}

func (s *InMemoryStore) Entries(startIndex uint64) ([]raftlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first uint64
	for idx := range s.entries {
		if idx >= startIndex && (first == 0 || idx < first) {
			first = idx
		}
	}
	if first == 0 {
		return nil, nil
	}
	var out []raftlog.Entry
	for idx := first; ; idx++ {
		e, ok := s.entries[idx]
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteFrom(startIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx >= startIndex {
			delete(s.entries, idx)
		}
	}
	return nil
}

func (s *InMemoryStore) DeleteThrough(endIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx <= endIndex {
			delete(s.entries, idx)
		}
	}
	return nil
}

func (s *InMemoryStore) SaveSnapshot(snap raftlog.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	s.hasSnap = true
	return nil
}

func (s *InMemoryStore) Snapshot() (raftlog.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.hasSnap, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
