// Package state records pipeline runs and the state of each task within
// them, so a run can be inspected after the fact and the scheduler can tell
// which logical dates are already done.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when no run matches the lookup.
	ErrNotFound = errors.New("run not found")
)

// Status is the state of a task or a run.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusUpForRetry     Status = "up_for_retry"
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusSkipped        Status = "skipped"
	StatusUpstreamFailed Status = "upstream_failed"
)

// Done reports whether the status is final.
func (s Status) Done() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusUpstreamFailed:
		return true
	}
	return false
}

// TaskState tracks one stage within a run.
type TaskState struct {
	Task      string    `json:"task"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Run is one execution of the pipeline for a logical date.
type Run struct {
	ID          string      `json:"run_id"`
	LogicalDate string      `json:"logical_date"` // YYYY-MM-DD
	Status      Status      `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at,omitzero"`
	StopReason  string      `json:"stop_reason,omitempty"`
	Error       string      `json:"error,omitempty"`
	Tasks       []TaskState `json:"tasks"`
}

// NewRun returns a running run with every task pending.
func NewRun(id, logicalDate string, tasks []string, now time.Time) *Run {
	r := &Run{
		ID:          id,
		LogicalDate: logicalDate,
		Status:      StatusRunning,
		StartedAt:   now.UTC(),
		Tasks:       make([]TaskState, len(tasks)),
	}
	for i, name := range tasks {
		r.Tasks[i] = TaskState{Task: name, Status: StatusPending}
	}
	return r
}

// Task returns the state for the named task, or nil.
func (r *Run) Task(name string) *TaskState {
	for i := range r.Tasks {
		if r.Tasks[i].Task == name {
			return &r.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy, so stores never alias a run still being mutated.
func (r *Run) Clone() *Run {
	c := *r
	c.Tasks = append([]TaskState(nil), r.Tasks...)
	return &c
}

// Duration returns the wall time of a finished run, or zero.
func (r *Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists runs.
type Store interface {
	// Save writes the run, replacing any earlier version with the same ID.
	Save(ctx context.Context, run *Run) error

	// Load returns the run with the given ID.
	Load(ctx context.Context, runID string) (*Run, error)

	// LastRun returns the most recently started run for a logical date.
	LastRun(ctx context.Context, logicalDate string) (*Run, error)

	// List returns up to limit runs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*Run, error)

	Close() error
}

// Config configures the state store.
type Config struct {
	Backend    string // "file" | "sqlite" | "memory"
	Dir        string
	SQLitePath string
}

// NewStore creates a store based on configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}
}

// newestFirst orders runs by start time descending, breaking ties by ID.
func newestFirst(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

func truncate(runs []*Run, limit int) []*Run {
	if limit > 0 && len(runs) > limit {
		return runs[:limit]
	}
	return runs
}
