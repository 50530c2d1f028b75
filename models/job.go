package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the queue state machine:
// pending → running → succeeded | failed, with fail-before-max returning the
// job to pending at a later run_at. cancelled is terminal from pending.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one durable unit of queued work. Payload is opaque JSON interpreted
// only by the handler registered for TaskType. Jobs are never deleted by the
// engine.
type Job struct {
	ID       string         `gorm:"primaryKey;type:uuid" json:"id"`
	TaskType string         `gorm:"type:varchar(64);not null;index" json:"task_type"`
	Payload  datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`

	Status      JobStatus `gorm:"type:varchar(16);default:'pending';index:idx_jobs_due" json:"status"`
	RunAt       time.Time `gorm:"index:idx_jobs_due" json:"run_at"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	MaxAttempts int       `gorm:"default:3" json:"max_attempts"`

	LastError *string        `json:"last_error,omitempty"`
	Output    datatypes.JSON `gorm:"type:jsonb" json:"output,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
