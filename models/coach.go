package models

import "time"

// Coach owns competitors and teams. A coach must be locally approved and hold
// its own MetaCTF user id before any of its competitors or teams can be
// onboarded.
type Coach struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	Role       string `gorm:"type:varchar(16);default:'coach'" json:"role"`
	IsApproved bool   `gorm:"default:false" json:"is_approved"`

	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `gorm:"index;not null" json:"email"`
	SchoolName string `json:"school_name,omitempty"`
	Region     string `json:"region,omitempty"`

	SynedCoachUserID *string    `gorm:"uniqueIndex" json:"syned_coach_user_id,omitempty"`
	SynedAt          *time.Time `json:"syned_at,omitempty"`
	SyncError        *string    `json:"sync_error,omitempty"`

	Timestamps
}
