package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/faults"
	"floortrader/internal/market"
)

// SnapshotStore is the repository contract the Manager persists through.
// Implementations must reject writes that would overwrite an existing
// (execution_id, sequence) pair.
type SnapshotStore interface {
	// SaveSnapshot appends a snapshot. Fails on a duplicate sequence.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadLatest returns the highest-sequence snapshot for the
	// execution, or nil when none exists.
	LoadLatest(ctx context.Context, executionID string) (*Snapshot, error)

	// DeleteAll removes every snapshot for the execution. Used only by
	// explicit restart-from-scratch operations.
	DeleteAll(ctx context.Context, executionID string) error
}

// Manager loads and persists execution state snapshots with monotonic
// sequence numbers for one execution.
type Manager struct {
	executionID string
	store       SnapshotStore
	lastSeq     int64
	haveSeq     bool
}

func NewManager(executionID string, store SnapshotStore) *Manager {
	return &Manager{executionID: executionID, store: store}
}

// LoadOrInitialize returns the latest snapshot's state, or a fresh state
// when no snapshot exists. A loaded state that fails validation aborts
// the resume rather than being silently coerced.
func (m *Manager) LoadOrInitialize(
	ctx context.Context,
	initialBalance decimal.Decimal,
	initialStrategyState json.RawMessage,
) (ExecutionState, error) {
	snap, err := m.store.LoadLatest(ctx, m.executionID)
	if err != nil {
		return ExecutionState{}, fmt.Errorf("load latest snapshot: %w", err)
	}

	if snap == nil {
		return ExecutionState{
			StrategyState: initialStrategyState,
			Balance:       initialBalance,
		}, nil
	}

	if err := Validate(snap.State); err != nil {
		return ExecutionState{}, fmt.Errorf("resume execution %s at sequence %d: %w",
			m.executionID, snap.Sequence, err)
	}

	m.lastSeq = snap.Sequence
	m.haveSeq = true
	return snap.State, nil
}

// SaveSnapshot persists the state under the next sequence number
// (last + 1, starting at 0). An existing sequence is never overwritten.
func (m *Manager) SaveSnapshot(ctx context.Context, st ExecutionState) (Snapshot, error) {
	seq := int64(0)
	if m.haveSeq {
		seq = m.lastSeq + 1
	}

	snap := Snapshot{
		ExecutionID: m.executionID,
		Sequence:    seq,
		State:       st.Clone(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot seq %d: %w", seq, err)
	}

	m.lastSeq = seq
	m.haveSeq = true
	return snap, nil
}

// Clear deletes all snapshots for the execution. Only explicit
// restart-from-scratch operations call this, never the resume path.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.DeleteAll(ctx, m.executionID); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	m.lastSeq = 0
	m.haveSeq = false
	return nil
}

// Validate runs the structural checks required before a state may be
// resumed: non-negative balance, well-formed layers, non-negative tick
// count, structured strategy state, well-formed-or-absent timestamp.
func Validate(st ExecutionState) error {
	if st.Balance.Sign() < 0 {
		return faults.Validationf("current_balance", "negative balance %s", st.Balance)
	}
	if st.TicksProcessed < 0 {
		return faults.Validationf("ticks_processed", "negative count %d", st.TicksProcessed)
	}
	if len(st.StrategyState) > 0 {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(st.StrategyState, &probe); err != nil {
			return faults.Validationf("strategy_state", "not a structured record: %v", err)
		}
	}
	for i, l := range st.OpenLayers {
		if l.Index < 0 {
			return faults.Validationf("open_positions", "layer %d has negative index %d", i, l.Index)
		}
		if l.Direction != market.DirectionLong && l.Direction != market.DirectionShort {
			return faults.Validationf("open_positions", "layer %d has invalid direction", i)
		}
		if len(l.Fills) == 0 {
			return faults.Validationf("open_positions", "layer %d has no fills", i)
		}
		if l.RetracementCount < 0 {
			return faults.Validationf("open_positions", "layer %d has negative retracement count", i)
		}
		for j, f := range l.Fills {
			if f.Price.Sign() <= 0 {
				return faults.Validationf("open_positions", "layer %d fill %d has non-positive price %s", i, j, f.Price)
			}
			if f.Units.Sign() <= 0 {
				return faults.Validationf("open_positions", "layer %d fill %d has non-positive units %s", i, j, f.Units)
			}
		}
	}
	if st.LastTickAt != nil && st.LastTickAt.IsZero() {
		return faults.Validationf("last_tick_timestamp", "present but zero")
	}
	return nil
}
