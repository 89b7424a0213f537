package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"floortrader/internal/faults"
	"floortrader/internal/state"
)

// SnapshotStore persists execution snapshots to Postgres. It implements
// state.SnapshotStore: inserts are append-only and a duplicate
// (execution_id, sequence) pair is an error, never an overwrite.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot appends one snapshot row. The unique index on
// (execution_id, sequence) makes concurrent duplicate saves fail loudly
// instead of silently clobbering state.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap state.Snapshot) error {
	data, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal execution state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO floor.snapshots (snapshot_id, execution_id, sequence, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), snap.ExecutionID, snap.Sequence, data, snap.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return faults.Critical(fmt.Sprintf("duplicate snapshot sequence %d for execution %s", snap.Sequence, snap.ExecutionID), err)
		}
		return faults.Transient("insert snapshot", err)
	}
	return nil
}

// LoadLatest returns the highest-sequence snapshot for the execution,
// or nil when the execution has never been snapshotted.
func (s *SnapshotStore) LoadLatest(ctx context.Context, executionID string) (*state.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, state, created_at
		FROM floor.snapshots
		WHERE execution_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, executionID)

	snap := state.Snapshot{ExecutionID: executionID}
	var data []byte
	if err := row.Scan(&snap.Sequence, &data, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // cold start
		}
		return nil, faults.Transient("load snapshot", err)
	}

	if err := json.Unmarshal(data, &snap.State); err != nil {
		return nil, faults.Critical("unmarshal snapshot state", err)
	}
	return &snap, nil
}

// DeleteAll removes every snapshot for the execution.
func (s *SnapshotStore) DeleteAll(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM floor.snapshots WHERE execution_id = $1
	`, executionID)
	if err != nil {
		return faults.Transient("delete snapshots", err)
	}
	return nil
}
