package domain

import "time"

// TaskStatus is the lifecycle state of a task. Transitions only move
// forward: pending -> running -> completed|failed.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Task is a unit of work queued for an agent. The prompt is opaque to the
// engine; it is handed to the job as environment configuration.
type Task struct {
	ID                string
	Addressee         string
	Status            TaskStatus
	Prompt            string
	RepoURL           *string
	Branch            *string
	CreatedBy         *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Result            *TaskResult
	WorkerPod         *string
	ProjectID         *string
	TriggeredByTaskID *string
}

// TaskResult is the structured outcome persisted when a task reaches a
// terminal state.
type TaskResult struct {
	Success    bool    `json:"success"`
	Summary    string  `json:"summary"`
	Branch     string  `json:"branch,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// ProjectStatus gates supervisor triggering: paused projects get no
// follow-up tasks.
type ProjectStatus string

const (
	ProjectActive ProjectStatus = "active"
	ProjectPaused ProjectStatus = "paused"
)

// Project is the aggregate a task may belong to, carrying repo defaults
// and best-effort completion counters.
type Project struct {
	ID                string
	Name              string
	RepoURL           string
	DefaultBranch     string
	IntegrationBranch *string
	Status            ProjectStatus
	LastActivity      time.Time
	CreatedAt         time.Time
	TotalTasks        int
	CompletedTasks    int
	FailedTasks       int
}

// CreateTaskInput is what producers (HTTP API, recurring schedules, the
// reaper's supervisor trigger) supply when enqueueing a task.
type CreateTaskInput struct {
	Addressee         string
	Prompt            string
	RepoURL           *string
	Branch            *string
	CreatedBy         string
	ProjectID         *string
	TriggeredByTaskID *string
}

// RecurringTask is a cron-driven template that enqueues a pending task
// when due.
type RecurringTask struct {
	ID        string
	Name      string
	CronExpr  string
	Addressee string
	Prompt    string
	RepoURL   *string
	Branch    *string
	ProjectID *string
	Enabled   bool
	LastRun   *time.Time
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStatus is the orchestrator-side view of a task's backing job.
type JobStatus struct {
	Exists    bool
	Active    bool
	Succeeded bool
	Failed    bool
}
