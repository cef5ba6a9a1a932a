package model

import (
	"encoding/json"
	"time"
)

// TaskType identifies the kind of background operation a task tracks.
type TaskType string

const (
	TaskScrape   TaskType = "scrape"
	TaskResearch TaskType = "research"
	TaskGenerate TaskType = "generate"
	TaskReview   TaskType = "review"
)

// AnalysisStep returns true for the three LLM pipeline stages, as opposed
// to acquisition tasks.
func (t TaskType) AnalysisStep() bool {
	return t == TaskResearch || t == TaskGenerate || t == TaskReview
}

// NextStep returns the stage that becomes eligible once this one
// completes, or "" for review (the terminal stage) and non-analysis types.
func (t TaskType) NextStep() TaskType {
	switch t {
	case TaskResearch:
		return TaskGenerate
	case TaskGenerate:
		return TaskReview
	default:
		return ""
	}
}

// TaskStatus is the state of a tracked task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"

	// TaskSkipped marks a stage deliberately bypassed. The row is born
	// in this status and never transitions; it satisfies the gate of the
	// following stage the same way a completed run does.
	TaskSkipped TaskStatus = "skipped"
)

// Terminal reports whether no further transitions are allowed from this
// status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled || s == TaskSkipped
}

// CanTransition reports whether a task may move from s to next.
// queued → running | cancelled; running → completed | failed | cancelled.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskQueued:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed || next == TaskCancelled
	default:
		return false
	}
}

// AnalysisTask is the unit of work for every background operation: one row
// per stage invocation, chained by (BillID, Type) ordering. It doubles as
// the audit trail consumed by dashboards; only status, result, error and
// timestamps of a row are ever mutated.
type AnalysisTask struct {
	ID             string          `json:"id"`
	Type           TaskType        `json:"task_type"`
	BillID         string          `json:"bill_id,omitempty"`
	JurisdictionID string          `json:"jurisdiction_id"`
	Status         TaskStatus      `json:"status"`
	ModelUsed      string          `json:"model_used,omitempty"`
	ContextRef     string          `json:"context_ref,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
