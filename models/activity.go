package models

import "time"

// ChallengeSolve is one normalized solve pulled from the MetaCTF score feeds.
// (SynedUserID, ChallengeSolveID) is the natural key; re-ingesting the same
// solve upserts the same row.
type ChallengeSolve struct {
	ID               string `gorm:"primaryKey;type:uuid" json:"id"`
	SynedUserID      string `gorm:"not null;index;uniqueIndex:idx_solve_natural" json:"syned_user_id"`
	ChallengeSolveID string `gorm:"not null;uniqueIndex:idx_solve_natural" json:"challenge_solve_id"`

	ChallengeName     string    `json:"challenge_name,omitempty"`
	ChallengeCategory string    `json:"challenge_category,omitempty"`
	Points            int       `gorm:"default:0" json:"points"`
	Source            string    `gorm:"type:varchar(16);default:'odl'" json:"source"` // odl | flash_ctf
	SolvedAt          time.Time `json:"solved_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// FlashCtfEvent is one Flash CTF appearance for one MetaCTF user, keyed by
// (SynedUserID, EventID).
type FlashCtfEvent struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	SynedUserID string `gorm:"not null;index;uniqueIndex:idx_flash_natural" json:"syned_user_id"`
	EventID     string `gorm:"not null;uniqueIndex:idx_flash_natural" json:"event_id"`

	FlashCtfName     string    `json:"flash_ctf_name"`
	ChallengesSolved int       `gorm:"default:0" json:"challenges_solved"`
	PointsEarned     int       `gorm:"default:0" json:"points_earned"`
	OccurredAt       time.Time `json:"occurred_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// CompetitorStats is the cached aggregate row per competitor. Counters are
// authoritative only as of the last totals refresh; the sweeper overwrites
// them wholesale.
type CompetitorStats struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	CompetitorID string `gorm:"type:uuid;not null;uniqueIndex" json:"competitor_id"`

	TotalChallengesSolved int        `gorm:"default:0" json:"total_challenges_solved"`
	TotalPoints           int        `gorm:"default:0" json:"total_points"`
	FlashCtfsPlayed       int        `gorm:"default:0" json:"flash_ctfs_played"`
	LastActivityAt        *time.Time `json:"last_activity_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (CompetitorStats) TableName() string {
	return "competitor_stats"
}
