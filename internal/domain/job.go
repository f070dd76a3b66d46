package domain

import "time"

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Retry      Status = "retry"
	Failed     Status = "failed"
)

// Priority levels; higher is more urgent.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
	PriorityUrgent Priority = 20
)

// Standard queue names.
const (
	QueueMapProcessing = "map_processing"
	QueueMapReprocess  = "map_reprocess"
	QueueJobCreation   = "job_creation"
	QueueNotifications = "notifications"
)

// Job types dispatched to handlers.
const (
	TypeMapProcessing = "map_processing"
	TypeMapReprocess  = "map_reprocess"
	TypeJobCreation   = "job_creation"
	TypeNotification  = "notification"
)

// StatusTTL bounds growth of per-job status entries in the store.
const StatusTTL = 24 * time.Hour

// Job is the unit of asynchronous work. Data carries the type-specific
// payload; the queue layer only inspects data["type"] for dispatch.
type Job struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Priority  int            `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Attempts  int            `json:"attempts"`
	Status    Status         `json:"status"`

	// NotBefore gates redelivery of retried jobs. Zero for fresh jobs.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Type returns the handler discriminator stored in the payload.
func (j *Job) Type() string {
	if t, ok := j.Data["type"].(string); ok {
		return t
	}
	return ""
}

// DeadLetter is a snapshot of a permanently-failed job. Append-only,
// retained for manual inspection, never auto-reprocessed.
type DeadLetter struct {
	Job
	FailedAt      time.Time `json:"failed_at"`
	Error         string    `json:"error"`
	OriginalQueue string    `json:"original_queue"`
}

// StatusEntry is the externally-readable view of a job's progress.
type StatusEntry struct {
	Status           Status    `json:"status"`
	UpdatedAt        time.Time `json:"updated_at"`
	ProcessingTimeMS int64     `json:"processing_time_ms,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
	Error            string    `json:"error,omitempty"`
}
