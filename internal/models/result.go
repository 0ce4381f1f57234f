package models

import (
	"maps"
	"time"
)

// ExecutionStatus is the state of a run. The last five values are terminal.
type ExecutionStatus string

const (
	StatusInitializing     ExecutionStatus = "INITIALIZING"
	StatusRunning          ExecutionStatus = "RUNNING"
	StatusWaitingRateLimit ExecutionStatus = "WAITING_RATE_LIMIT"
	StatusCompleted        ExecutionStatus = "COMPLETED"
	StatusFailed           ExecutionStatus = "FAILED"
	StatusCancelled        ExecutionStatus = "CANCELLED"
	StatusTimeout          ExecutionStatus = "TIMEOUT"
	StatusRateLimited      ExecutionStatus = "RATE_LIMITED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusRateLimited:
		return true
	}
	return false
}

// ToolResult is the final output of one backend call.
type ToolResult struct {
	Content   string         `json:"content"`
	Completed bool           `json:"completed"` // explicit task-complete marker
	IsError   bool           `json:"is_error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *ToolResult) Clone() *ToolResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// IterationResult records one completed iteration attempt.
type IterationResult struct {
	IterationNumber int             `json:"iteration"`
	Success         bool            `json:"success"`
	Duration        time.Duration   `json:"duration"`
	Error           *IterationError `json:"error,omitempty"`
	ToolResult      *ToolResult     `json:"tool_result,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}

// Clone returns a deep copy of the result.
func (r IterationResult) Clone() IterationResult {
	c := r
	c.ToolResult = r.ToolResult.Clone()
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return c
}

// ExecutionResult is the immutable outcome of Engine.Execute.
type ExecutionResult struct {
	RequestID  string            `json:"request_id"`
	Status     ExecutionStatus   `json:"status"`
	Iterations []IterationResult `json:"iterations"`
	Statistics Statistics        `json:"statistics"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Error      *IterationError   `json:"error,omitempty"` // cause of FAILED or RATE_LIMITED
}

// Duration is the wall-clock time of the run.
func (r *ExecutionResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run ended COMPLETED.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StatusCompleted
}

// LastToolResult returns the most recent non-nil tool result, if any.
func (r *ExecutionResult) LastToolResult() *ToolResult {
	for i := len(r.Iterations) - 1; i >= 0; i-- {
		if r.Iterations[i].ToolResult != nil {
			return r.Iterations[i].ToolResult
		}
	}
	return nil
}
