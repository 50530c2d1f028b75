package models

import "time"

// Division is the MetaCTF team division. Unrecognized input is normalized to
// the high-school division.
type Division string

const (
	DivisionHighSchool   Division = "high_school"
	DivisionMiddleSchool Division = "middle_school"
	DivisionCollege      Division = "college"
)

// NormalizeDivision maps free-form division input into the accepted enum.
func NormalizeDivision(raw string) Division {
	switch Division(raw) {
	case DivisionHighSchool, DivisionMiddleSchool, DivisionCollege:
		return Division(raw)
	}
	return DivisionHighSchool
}

// Team groups competitors under one coach. Affiliation falls back to the
// coach's school name when unset.
type Team struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	CoachID string `gorm:"type:uuid;not null;index" json:"coach_id"`

	Name        string   `gorm:"not null" json:"name"`
	Division    Division `gorm:"type:varchar(16);default:'high_school'" json:"division"`
	Affiliation string   `json:"affiliation,omitempty"`

	SynedTeamID *string    `gorm:"uniqueIndex" json:"syned_team_id,omitempty"`
	SynedAt     *time.Time `json:"syned_at,omitempty"`
	SyncError   *string    `json:"sync_error,omitempty"`

	Timestamps
}

// TeamMember links a competitor to a team. The remote membership list is
// reconciled against the set of these rows.
type TeamMember struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	TeamID       string `gorm:"type:uuid;not null;index;uniqueIndex:idx_team_member" json:"team_id"`
	CompetitorID string `gorm:"type:uuid;not null;index;uniqueIndex:idx_team_member" json:"competitor_id"`

	Timestamps
}
