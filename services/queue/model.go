package queue

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobStatuses lists every status in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusSucceeded,
	JobStatusFailed,
	JobStatusCancelled,
}

func (s JobStatus) Valid() bool {
	for _, v := range JobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Job is one durable unit of work. Recurring jobs are templates that are
// rewound to pending after every run until ExpiresAt passes.
type Job struct {
	ID                        string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	TaskType                  string         `gorm:"column:task_type;type:varchar(128);not null;index" json:"task_type"`
	Payload                   datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	Status                    JobStatus      `gorm:"column:status;type:varchar(16);not null;index:idx_jobs_due,priority:1" json:"status"`
	RunAt                     time.Time      `gorm:"column:run_at;not null;index:idx_jobs_due,priority:2" json:"run_at"`
	Attempts                  int            `gorm:"column:attempts;not null" json:"attempts"`
	MaxAttempts               int            `gorm:"column:max_attempts;not null" json:"max_attempts"`
	LastError                 *string        `gorm:"column:last_error;type:text" json:"last_error"`
	Output                    datatypes.JSON `gorm:"column:output" json:"output"`
	LockedBy                  *string        `gorm:"column:locked_by;type:varchar(32)" json:"locked_by,omitempty"`
	IsRecurring               bool           `gorm:"column:is_recurring;not null" json:"is_recurring"`
	RecurrenceIntervalMinutes *int           `gorm:"column:recurrence_interval_minutes" json:"recurrence_interval_minutes,omitempty"`
	ExpiresAt                 *time.Time     `gorm:"column:expires_at" json:"expires_at,omitempty"`
	LastRunAt                 *time.Time     `gorm:"column:last_run_at" json:"last_run_at,omitempty"`
	CreatedAt                 time.Time      `gorm:"column:created_at;not null;index:idx_jobs_due,priority:3;autoCreateTime:false" json:"created_at"`
	UpdatedAt                 time.Time      `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
	CompletedAt               *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// Interval is the recurrence gap, zero for one-off jobs.
func (j *Job) Interval() time.Duration {
	if !j.IsRecurring || j.RecurrenceIntervalMinutes == nil {
		return 0
	}
	return time.Duration(*j.RecurrenceIntervalMinutes) * time.Minute
}

// Expired reports whether a recurring job has passed its expiry at now.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// WorkerRun records a single dispatcher invocation.
type WorkerRun struct {
	ID           string     `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Source       string     `gorm:"column:source;type:varchar(64);not null" json:"source"`
	Status       RunStatus  `gorm:"column:status;type:varchar(16);not null" json:"status"`
	StartedAt    time.Time  `gorm:"column:started_at;not null;index;autoCreateTime:false" json:"started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at" json:"completed_at"`
	Processed    int        `gorm:"column:processed;not null" json:"processed"`
	Succeeded    int        `gorm:"column:succeeded;not null" json:"succeeded"`
	Failed       int        `gorm:"column:failed;not null" json:"failed"`
	Message      *string    `gorm:"column:message;type:text" json:"message"`
	ErrorMessage *string    `gorm:"column:error_message;type:text" json:"error_message"`
}

func (WorkerRun) TableName() string { return "worker_runs" }

const settingsRowID = 1

// Settings is the single-row operational switch board.
type Settings struct {
	ID                int       `gorm:"column:id;primaryKey;autoIncrement:false" json:"-"`
	ProcessingEnabled bool      `gorm:"column:processing_enabled;not null" json:"processing_enabled"`
	PausedReason      *string   `gorm:"column:paused_reason;type:text" json:"paused_reason"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (Settings) TableName() string { return "queue_settings" }

// Models lists every table owned by the queue.
func Models() []any {
	return []any{&Job{}, &WorkerRun{}, &Settings{}}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
