package models

import (
	"time"
)

// CompetitorStatus tracks how far a competitor has progressed through
// registration. Only competitors at StatusCompliance are eligible for
// MetaCTF onboarding.
type CompetitorStatus string

const (
	CompetitorStatusPending    CompetitorStatus = "pending"
	CompetitorStatusProfile    CompetitorStatus = "profile"
	CompetitorStatusCompliance CompetitorStatus = "compliance"
	CompetitorStatusComplete   CompetitorStatus = "complete"
)

// Competitor is a participant owned by a coach. SynedUserID links the row to
// its MetaCTF counterpart; once set it is never cleared except by an explicit
// forced re-onboarding.
type Competitor struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	CoachID string `gorm:"type:uuid;not null;index" json:"coach_id"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `gorm:"index" json:"email,omitempty"`
	School    string `json:"school,omitempty"`
	Grade     string `json:"grade,omitempty"`
	Region    string `json:"region,omitempty"`
	IsActive  bool   `gorm:"default:true" json:"is_active"`

	Status CompetitorStatus `gorm:"type:varchar(16);default:'pending';index" json:"status"`

	// MetaCTF linkage
	SynedUserID *string    `gorm:"uniqueIndex" json:"syned_user_id,omitempty"`
	SynedAt     *time.Time `json:"syned_at,omitempty"`
	SyncError   *string    `json:"sync_error,omitempty"`

	Timestamps
}
