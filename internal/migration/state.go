package migration

import "time"

// Status is the migration's closed status enum (spec §4.6).
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// FailedRecord is one entry of State.FailedRecords.
type FailedRecord struct {
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the persisted migration state file's shape. One State
// describes at most one in-flight or most-recently-finished migration;
// only one migration may be running at a time per store.
type State struct {
	TargetModel    string         `json:"targetModel"`
	Status         Status         `json:"status"`
	TotalRecords   int            `json:"totalRecords"`
	MigratedCount  int            `json:"migratedCount"`
	MigratedUntil  time.Time      `json:"migratedUntil,omitempty"`
	BatchSize      int            `json:"batchSize"`
	FailedRecords  []FailedRecord `json:"failedRecords"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

func (s State) valid() bool {
	if s.Status == "" {
		return false
	}
	switch s.Status {
	case StatusIdle, StatusRunning, StatusPaused, StatusCompleted, StatusError:
	default:
		return false
	}
	if s.MigratedCount < 0 || s.TotalRecords < 0 || s.MigratedCount > s.TotalRecords {
		return false
	}
	return true
}

// ProgressEvent is emitted after every worker batch (spec §4.6 step 3).
type ProgressEvent struct {
	MigratedCount   int     `json:"migratedCount"`
	TotalRecords    int     `json:"totalRecords"`
	ProgressPercent float64 `json:"progressPercent"`
	BatchSize       int     `json:"batchSize"`
	SuccessCount    int     `json:"successCount"`
	FailCount       int     `json:"failCount"`
}
