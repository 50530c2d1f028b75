package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"coach-sync-system/models"

	"gorm.io/gorm"
)

// TotalsParams scope one sweep page over the needs-refresh backlog.
type TotalsParams struct {
	BatchSize int
	CoachID   string
	// ForceAll refreshes every known sync state instead of only flagged ones.
	ForceAll bool
	// Cursor is the last syned_user_id processed; sweeps resume after it.
	Cursor string
}

// TotalsPage is the result of one sweep page.
type TotalsPage struct {
	Processed  int
	Refreshed  int
	Failed     int
	NextCursor string
	Done       bool
}

// TotalsService drains the needs_totals_refresh backlog: it fetches
// authoritative, unfiltered current totals from MetaCTF and overwrites the
// cached aggregate counters. The incremental stats sync can only grow the
// solve ledger — grand totals need this second, unfiltered call, batched here
// so its cost is amortized instead of paid on every poll.
type TotalsService struct {
	DB     *gorm.DB
	Client *MetaCTFClient
}

func NewTotalsService(db *gorm.DB, client *MetaCTFClient) *TotalsService {
	return &TotalsService{DB: db, Client: client}
}

// SweepPage refreshes one bounded batch of flagged sync states.
func (s *TotalsService) SweepPage(ctx context.Context, p TotalsParams) (TotalsPage, error) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = 25
	}

	q := s.DB.Model(&models.SyncState{}).Order("syned_user_id").Limit(batch)
	if !p.ForceAll {
		q = q.Where("needs_totals_refresh = ?", true)
	}
	if p.Cursor != "" {
		q = q.Where("syned_user_id > ?", p.Cursor)
	}
	if p.CoachID != "" {
		q = q.Where("syned_user_id IN (?)", s.DB.Model(&models.Competitor{}).
			Select("syned_user_id").
			Where("coach_id = ? AND syned_user_id IS NOT NULL", p.CoachID))
	}

	var states []models.SyncState
	if err := q.Find(&states).Error; err != nil {
		return TotalsPage{}, fmt.Errorf("failed to query totals backlog: %w", err)
	}

	var page TotalsPage
	if len(states) == 0 {
		page.Done = true
		return page, nil
	}

	for _, state := range states {
		page.Processed++
		if err := s.refreshOne(ctx, state.SynedUserID); err != nil {
			page.Failed++
			log.Printf("[TOTALS] ❌ Refresh failed for %s: %v", state.SynedUserID, err)
		} else {
			page.Refreshed++
		}
	}

	page.NextCursor = states[len(states)-1].SynedUserID
	page.Done = len(states) < batch
	log.Printf("[TOTALS] ✅ Sweep page done: %d processed, %d refreshed, %d failed",
		page.Processed, page.Refreshed, page.Failed)
	return page, nil
}

// refreshOne overwrites the cached aggregate for one MetaCTF user with
// authoritative totals, then clears the flag. A 404 clears the flag anyway —
// without re-onboarding it will never succeed, so it must not stay queued.
func (s *TotalsService) refreshOne(ctx context.Context, synedUserID string) error {
	scores, err := s.Client.GetOdlScores(ctx, synedUserID, nil)
	if err != nil {
		if IsNotFound(err) {
			log.Printf("[TOTALS] ⚠️ MetaCTF user %s vanished — clearing refresh flag", synedUserID)
			s.clearFlag(synedUserID, err.Error())
			return nil
		}
		return err
	}

	flashCtfsPlayed := 0
	if flash, err := s.Client.GetFlashCtfProgress(ctx, synedUserID); err != nil {
		log.Printf("[TOTALS] ⚠️ Flash CTF totals fetch failed for %s: %v", synedUserID, err)
	} else {
		flashCtfsPlayed = len(flash.FlashCtfs)
	}

	var competitor models.Competitor
	if err := s.DB.First(&competitor, "syned_user_id = ?", synedUserID).Error; err != nil {
		return fmt.Errorf("no local competitor for MetaCTF user %s: %w", synedUserID, err)
	}

	updates := map[string]interface{}{
		"total_challenges_solved": scores.TotalChallengesSolved,
		"total_points":            scores.TotalPoints,
		"flash_ctfs_played":       flashCtfsPlayed,
	}
	if scores.LastAccessedUnixTimestamp > 0 {
		updates["last_activity_at"] = time.Unix(scores.LastAccessedUnixTimestamp, 0).UTC()
	}
	if err := s.DB.Model(&models.CompetitorStats{}).
		Where("competitor_id = ?", competitor.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to overwrite stats for competitor %s: %w", competitor.ID, err)
	}

	s.clearFlag(synedUserID, "")
	return nil
}

func (s *TotalsService) clearFlag(synedUserID, errorMessage string) {
	updates := map[string]interface{}{"needs_totals_refresh": false}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if err := s.DB.Model(&models.SyncState{}).Where("syned_user_id = ?", synedUserID).
		Updates(updates).Error; err != nil {
		log.Printf("[TOTALS] ⚠️ Failed to clear refresh flag for %s: %v", synedUserID, err)
	}
}
