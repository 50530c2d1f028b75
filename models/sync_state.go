package models

import "time"

// SyncResult is the outcome recorded on a SyncState row after each attempt.
type SyncResult string

const (
	SyncResultSuccess SyncResult = "success"
	SyncResultFailure SyncResult = "failure"
)

// SyncState is per-MetaCTF-user sync bookkeeping. One row per syned_user_id,
// created on the first attempt and updated on every attempt afterwards.
// LastOdlSyncedAt only ever advances on successful syncs.
type SyncState struct {
	SynedUserID string `gorm:"primaryKey" json:"syned_user_id"`

	LastOdlSyncedAt      *time.Time `json:"last_odl_synced_at,omitempty"`
	LastFlashCtfSyncedAt *time.Time `json:"last_flash_ctf_synced_at,omitempty"`
	LastRemoteAccessedAt *time.Time `json:"last_remote_accessed_at,omitempty"`
	LastAttemptAt        *time.Time `json:"last_attempt_at,omitempty"`
	LastResult           SyncResult `gorm:"type:varchar(16)" json:"last_result,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	NeedsTotalsRefresh   bool       `gorm:"default:false;index" json:"needs_totals_refresh"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (SyncState) TableName() string {
	return "sync_states"
}

// SyncRunStatus is the lifecycle of one batch-sync invocation.
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
)

// SyncRun brackets one batch sync. The previous completed run's CompletedAt is
// the next run's global incremental checkpoint. Rows are never mutated after
// finalization.
type SyncRun struct {
	ID       string        `gorm:"primaryKey;type:uuid" json:"id"`
	SyncType string        `gorm:"type:varchar(32);index" json:"sync_type"`
	Status   SyncRunStatus `gorm:"type:varchar(16);index" json:"status"`

	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CompetitorsSynced int        `gorm:"default:0" json:"competitors_synced"`
	CompetitorsFailed int        `gorm:"default:0" json:"competitors_failed"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
