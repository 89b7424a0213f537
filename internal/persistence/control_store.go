package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"floortrader/internal/coordinator"
	"floortrader/internal/faults"
)

// ControlStore is the durable tier of task control records. It
// implements coordinator.ControlStore on Postgres; transitions run
// inside a row-locked transaction so the terminal-status guard holds
// under concurrent stop requests.
type ControlStore struct {
	db *sql.DB
}

func NewControlStore(db *sql.DB) *ControlStore {
	return &ControlStore{db: db}
}

// Put creates or overwrites the record. Only Start calls this; an
// existing row for the key is a crashed predecessor and gets replaced.
func (s *ControlStore) Put(ctx context.Context, rec coordinator.ControlRecord) error {
	meta, err := marshalMeta(rec.Meta)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO floor.task_control
			(task_name, instance_key, status, worker_handle, started_at, last_heartbeat_at, stopped_at, status_message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_name, instance_key) DO UPDATE SET
			status = EXCLUDED.status,
			worker_handle = EXCLUDED.worker_handle,
			started_at = EXCLUDED.started_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			stopped_at = EXCLUDED.stopped_at,
			status_message = EXCLUDED.status_message,
			meta = EXCLUDED.meta
	`, rec.TaskName, rec.InstanceKey, rec.Status, rec.WorkerHandle,
		rec.StartedAt.UTC(), rec.LastHeartbeatAt.UTC(), nullableTime(rec.StoppedAt),
		rec.StatusMessage, meta)
	if err != nil {
		return faults.Transient("put control record", err)
	}
	return nil
}

// Get returns the record, or nil when none exists.
func (s *ControlStore) Get(ctx context.Context, taskName, instanceKey string) (*coordinator.ControlRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, worker_handle, started_at, last_heartbeat_at, stopped_at, status_message, meta
		FROM floor.task_control
		WHERE task_name = $1 AND instance_key = $2
	`, taskName, instanceKey)

	rec := coordinator.ControlRecord{TaskName: taskName, InstanceKey: instanceKey}
	var stoppedAt sql.NullTime
	var meta []byte
	err := row.Scan(&rec.Status, &rec.WorkerHandle, &rec.StartedAt,
		&rec.LastHeartbeatAt, &stoppedAt, &rec.StatusMessage, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transient("get control record", err)
	}

	if stoppedAt.Valid {
		t := stoppedAt.Time.UTC()
		rec.StoppedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Meta); err != nil {
			return nil, faults.Critical("unmarshal control meta", err)
		}
	}
	return &rec, nil
}

// Heartbeat refreshes the liveness timestamp and merges metaPatch into
// the stored meta with a jsonb concat. An empty message leaves the
// existing status_message alone.
func (s *ControlStore) Heartbeat(ctx context.Context, taskName, instanceKey string, at time.Time, message string, metaPatch map[string]interface{}) error {
	patch, err := marshalMeta(metaPatch)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE floor.task_control SET
			last_heartbeat_at = $3,
			status_message = CASE WHEN $4 <> '' THEN $4 ELSE status_message END,
			meta = COALESCE(meta, '{}'::jsonb) || COALESCE($5, '{}'::jsonb)
		WHERE task_name = $1 AND instance_key = $2
	`, taskName, instanceKey, at.UTC(), message, patch)
	if err != nil {
		return faults.Transient("heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat %s.%s: %w", taskName, instanceKey, coordinator.ErrNoRecord)
	}
	return nil
}

// Transition applies a status change under a row lock. Changes out of
// a terminal status, or out of a missing record, report applied=false
// without error.
func (s *ControlStore) Transition(ctx context.Context, taskName, instanceKey string, to coordinator.Status, message string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, faults.Transient("begin transition", err)
	}
	defer tx.Rollback()

	var current coordinator.Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM floor.task_control
		WHERE task_name = $1 AND instance_key = $2
		FOR UPDATE
	`, taskName, instanceKey).Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, faults.Transient("lock control record", err)
	}

	if !current.CanTransition(to) {
		return false, nil
	}

	var stoppedAt interface{}
	if to.Terminal() {
		stoppedAt = at.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE floor.task_control SET
			status = $3,
			status_message = $4,
			last_heartbeat_at = $5,
			stopped_at = COALESCE($6, stopped_at)
		WHERE task_name = $1 AND instance_key = $2
	`, taskName, instanceKey, to, message, at.UTC(), stoppedAt)
	if err != nil {
		return false, faults.Transient("apply transition", err)
	}

	if err := tx.Commit(); err != nil {
		return false, faults.Transient("commit transition", err)
	}
	return true, nil
}

// DeleteTerminatedBefore removes terminal records stopped before the
// cutoff.
func (s *ControlStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM floor.task_control
		WHERE status IN ('STOPPED', 'FAILED', 'COMPLETED')
		  AND stopped_at IS NOT NULL AND stopped_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, faults.Transient("cleanup control records", err)
	}
	return res.RowsAffected()
}

func marshalMeta(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal control meta: %w", err)
	}
	return data, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
