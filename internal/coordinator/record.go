package coordinator

import (
	"time"
)

// Status is the lifecycle state of one task instance. Transitions run
// one-directionally toward a terminal state; once terminal, a record
// never changes again.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusStopRequested Status = "STOP_REQUESTED"
	StatusStopped       Status = "STOPPED"
	StatusFailed        Status = "FAILED"
	StatusCompleted     Status = "COMPLETED"
)

// Terminal reports whether no further transitions may be applied.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusCompleted:
		return true
	default:
		return false
	}
}

// ShouldStop reports whether an executor observing this status must halt.
func (s Status) ShouldStop() bool {
	return s == StatusStopRequested || s.Terminal()
}

// CanTransition validates a requested status change.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusRunning:
		return to == StatusStopRequested || to == StatusStopped ||
			to == StatusFailed || to == StatusCompleted
	case StatusStopRequested:
		return to == StatusStopped || to == StatusFailed || to == StatusCompleted
	default:
		return false
	}
}

// ControlRecord tracks a running task instance. One record exists per
// (task_name, instance_key) pair.
type ControlRecord struct {
	TaskName        string                 `json:"task_name"`
	InstanceKey     string                 `json:"instance_key"`
	Status          Status                 `json:"status"`
	WorkerHandle    string                 `json:"worker_handle"`
	StartedAt       time.Time              `json:"started_at"`
	LastHeartbeatAt time.Time              `json:"last_heartbeat_at"`
	StoppedAt       *time.Time             `json:"stopped_at,omitempty"`
	StatusMessage   string                 `json:"status_message,omitempty"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
}

// Key returns the cache key for the record.
func (r ControlRecord) Key() string {
	return r.TaskName + "." + r.InstanceKey
}
