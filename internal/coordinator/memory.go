package coordinator

import (
	"context"
	"sync"
	"time"
)

// MemoryControlStore is the in-process ControlStore used by the
// backtest CLI and tests. Semantics mirror the Postgres store,
// including the terminal-status transition guard.
type MemoryControlStore struct {
	mu   sync.Mutex
	recs map[string]ControlRecord
}

func NewMemoryControlStore() *MemoryControlStore {
	return &MemoryControlStore{recs: make(map[string]ControlRecord)}
}

func (s *MemoryControlStore) Put(_ context.Context, rec ControlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Key()] = cloneRecord(rec)
	return nil
}

func (s *MemoryControlStore) Get(_ context.Context, taskName, instanceKey string) (*ControlRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[taskName+"."+instanceKey]
	if !ok {
		return nil, nil
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *MemoryControlStore) Heartbeat(_ context.Context, taskName, instanceKey string, at time.Time, message string, metaPatch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskName + "." + instanceKey
	rec, ok := s.recs[key]
	if !ok {
		return ErrNoRecord
	}
	rec.LastHeartbeatAt = at
	if message != "" {
		rec.StatusMessage = message
	}
	if len(metaPatch) > 0 {
		if rec.Meta == nil {
			rec.Meta = make(map[string]interface{}, len(metaPatch))
		}
		for k, v := range metaPatch {
			rec.Meta[k] = v
		}
	}
	s.recs[key] = rec
	return nil
}

func (s *MemoryControlStore) Transition(_ context.Context, taskName, instanceKey string, to Status, message string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskName + "." + instanceKey
	rec, ok := s.recs[key]
	if !ok {
		return false, nil
	}
	if !rec.Status.CanTransition(to) {
		return false, nil
	}
	rec.Status = to
	rec.StatusMessage = message
	rec.LastHeartbeatAt = at
	if to.Terminal() {
		stopped := at
		rec.StoppedAt = &stopped
	}
	s.recs[key] = rec
	return true, nil
}

func (s *MemoryControlStore) DeleteTerminatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.recs {
		if rec.Status.Terminal() && rec.StoppedAt != nil && rec.StoppedAt.Before(cutoff) {
			delete(s.recs, key)
			n++
		}
	}
	return n, nil
}

func cloneRecord(rec ControlRecord) ControlRecord {
	out := rec
	if rec.StoppedAt != nil {
		t := *rec.StoppedAt
		out.StoppedAt = &t
	}
	if rec.Meta != nil {
		out.Meta = make(map[string]interface{}, len(rec.Meta))
		for k, v := range rec.Meta {
			out.Meta[k] = v
		}
	}
	return out
}
