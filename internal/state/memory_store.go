package state

import (
	"context"
	"fmt"
	"sync"
)

// MemorySnapshotStore keeps snapshots in process memory. The backtest
// CLI and tests use it in place of Postgres; duplicate-sequence saves
// fail just like the durable store's unique index would.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string][]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]Snapshot)}
}

func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snaps[snap.ExecutionID] {
		if existing.Sequence == snap.Sequence {
			return fmt.Errorf("duplicate snapshot sequence %d for execution %s", snap.Sequence, snap.ExecutionID)
		}
	}
	snap.State = snap.State.Clone()
	s.snaps[snap.ExecutionID] = append(s.snaps[snap.ExecutionID], snap)
	return nil
}

func (s *MemorySnapshotStore) LoadLatest(_ context.Context, executionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snaps[executionID]
	if len(snaps) == 0 {
		return nil, nil
	}
	best := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Sequence > best.Sequence {
			best = snap
		}
	}
	best.State = best.State.Clone()
	return &best, nil
}

func (s *MemorySnapshotStore) DeleteAll(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, executionID)
	return nil
}
