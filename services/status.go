package services

import "coach-sync-system/models"

// StatusFunc recomputes a competitor's registration status from a full row
// snapshot. It is a pure function so any code path (onboarding, admin flows)
// can apply the same rule without shared state.
type StatusFunc func(models.Competitor) models.CompetitorStatus

// DefaultCompetitorStatus is the production rule. Compliance is granted by an
// out-of-band business flow, so it is never derived here — we only ever move a
// row forward to complete (onboarded) or backward to profile/pending when the
// basics are missing.
func DefaultCompetitorStatus(c models.Competitor) models.CompetitorStatus {
	if c.SynedUserID != nil && *c.SynedUserID != "" {
		return models.CompetitorStatusComplete
	}
	if c.Status == models.CompetitorStatusCompliance {
		return models.CompetitorStatusCompliance
	}
	if c.FirstName != "" && c.LastName != "" && c.Email != "" {
		return models.CompetitorStatusProfile
	}
	return models.CompetitorStatusPending
}
