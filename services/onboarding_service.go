package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"coach-sync-system/models"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OnboardOutcome is the typed result of an onboarding attempt. Skips are
// normal control flow, not errors, and must never trip a retry.
type OnboardOutcome string

const (
	OutcomeSynced                     OnboardOutcome = "synced"
	OutcomeSkippedRequiresCompliance  OnboardOutcome = "skipped_requires_compliance"
	OutcomeSkippedAlreadySynced       OnboardOutcome = "skipped_already_synced"
	OutcomeSkippedMissingTeam         OnboardOutcome = "skipped_missing_team"
	OutcomeSkippedMissingCoachMapping OnboardOutcome = "skipped_missing_coach_mapping"
	OutcomeSkippedNotSynced           OnboardOutcome = "skipped_not_synced"
)

// OnboardBatchParams scope one onboarding pass.
type OnboardBatchParams struct {
	CompetitorIDs []string `json:"competitor_ids,omitempty"`
	CoachID       string   `json:"coach_id,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty"`
	OnlyActive    bool     `json:"only_active,omitempty"`
}

// OnboardBatchResult is the per-item tally of one pass. Per-row failures are
// recorded on the rows and counted here; they do not fail the batch.
type OnboardBatchResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// OnboardingService brings local competitors, coaches, and teams into
// existence on MetaCTF exactly once and keeps the id linkage persisted.
type OnboardingService struct {
	DB     *gorm.DB
	Client *MetaCTFClient
	Stats  *StatsSyncService

	// AcceptedCoachStatuses is the remote-status allowlist for a coach user.
	// Configuration-level data — MetaCTF may add equivalent statuses.
	AcceptedCoachStatuses []string

	StatusFunc StatusFunc
}

func NewOnboardingService(db *gorm.DB, client *MetaCTFClient, stats *StatsSyncService, acceptedCoachStatuses []string) *OnboardingService {
	if len(acceptedCoachStatuses) == 0 {
		acceptedCoachStatuses = []string{"approved", "user_created"}
	}
	return &OnboardingService{
		DB:                    db,
		Client:                client,
		Stats:                 stats,
		AcceptedCoachStatuses: acceptedCoachStatuses,
		StatusFunc:            DefaultCompetitorStatus,
	}
}

// OnboardCompetitor creates the MetaCTF user for one competitor. Safe to call
// repeatedly: already-synced and not-yet-eligible rows are skipped before any
// remote call is made.
func (s *OnboardingService) OnboardCompetitor(ctx context.Context, competitorID string) (OnboardOutcome, error) {
	var competitor models.Competitor
	if err := s.DB.First(&competitor, "id = ?", competitorID).Error; err != nil {
		return "", fmt.Errorf("failed to load competitor %s: %w", competitorID, err)
	}

	// Already-synced wins over the eligibility gate: onboarding recomputes
	// status afterwards, so a synced row is usually no longer at compliance.
	if competitor.SynedUserID != nil && *competitor.SynedUserID != "" {
		return OutcomeSkippedAlreadySynced, nil
	}
	if competitor.Status != models.CompetitorStatusCompliance {
		return OutcomeSkippedRequiresCompliance, nil
	}

	if _, err := s.onboardEligibleCompetitor(ctx, &competitor); err != nil {
		// Persist the failure onto the row so operators see it without logs.
		s.recordCompetitorSyncError(competitor.ID, err.Error())
		return "", err
	}

	// Post-onboarding follow-ups are best-effort: onboarding itself already
	// succeeded, and stats/team sync both run again on schedule.
	if _, err := s.Stats.SyncCompetitor(ctx, competitor.ID, StatsSyncOptions{IncludeFlashCtf: true}); err != nil {
		log.Printf("[ONBOARD] ⚠️ Initial stats sync failed for competitor %s: %v", competitor.ID, err)
	}
	s.resyncCompetitorTeams(ctx, competitor.ID)

	return OutcomeSynced, nil
}

func (s *OnboardingService) onboardEligibleCompetitor(ctx context.Context, competitor *models.Competitor) (*UserResult, error) {
	var coach models.Coach
	if err := s.DB.First(&coach, "id = ?", competitor.CoachID).Error; err != nil {
		return nil, fmt.Errorf("missing coach mapping for competitor %s: %w", competitor.ID, err)
	}
	if coach.Role != "coach" || !coach.IsApproved {
		return nil, fmt.Errorf("coach %s is not approved for MetaCTF onboarding", coach.ID)
	}

	coachSynedID, err := s.resolveCoachSynedUserID(ctx, &coach)
	if err != nil {
		return nil, err
	}

	email := strings.TrimSpace(competitor.Email)
	if email == "" {
		return nil, fmt.Errorf("missing required email for competitor %s", competitor.ID)
	}

	req := CreateUserRequest{
		Email:     email,
		FirstName: competitor.FirstName,
		LastName:  competitor.LastName,
		School:    competitor.School,
		Grade:     competitor.Grade,
		Region:    competitor.Region,
		Role:      "competitor",
	}
	if req.School == "" {
		req.School = cases.Title(language.English).String(coach.SchoolName)
	}
	if req.Region == "" {
		req.Region = coach.Region
	}

	log.Printf("[ONBOARD] 📡 Creating MetaCTF user for competitor %s (coach %s)", competitor.ID, coachSynedID)
	user, err := s.Client.CreateUser(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	competitor.SynedUserID = &user.SynedUserID
	competitor.SynedAt = &now
	competitor.SyncError = nil
	competitor.Status = s.StatusFunc(*competitor)
	if err := s.DB.Model(&models.Competitor{}).Where("id = ?", competitor.ID).Updates(map[string]interface{}{
		"syned_user_id": user.SynedUserID,
		"syned_at":      now,
		"sync_error":    nil,
		"status":        competitor.Status,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to persist syned_user_id for competitor %s: %w", competitor.ID, err)
	}

	s.ensureStatsRow(competitor.ID)

	log.Printf("[ONBOARD] ✅ Competitor %s onboarded as MetaCTF user %s", competitor.ID, user.SynedUserID)
	return user, nil
}

// resolveCoachSynedUserID returns the coach's MetaCTF user id, fetching or
// creating the remote user when the local cache is empty. A coach stuck in an
// unaccepted remote status is a hard failure for every dependent row.
func (s *OnboardingService) resolveCoachSynedUserID(ctx context.Context, coach *models.Coach) (string, error) {
	if coach.SynedCoachUserID != nil && *coach.SynedCoachUserID != "" {
		return *coach.SynedCoachUserID, nil
	}

	user, err := s.Client.GetUserByEmail(ctx, coach.Email)
	if IsNotFound(err) {
		log.Printf("[ONBOARD] 📡 Creating MetaCTF coach user for coach %s", coach.ID)
		user, err = s.Client.CreateUser(ctx, CreateUserRequest{
			Email:     coach.Email,
			FirstName: coach.FirstName,
			LastName:  coach.LastName,
			School:    coach.SchoolName,
			Region:    coach.Region,
			Role:      "coach",
		})
	}
	if err != nil {
		s.recordCoachSyncError(coach.ID, err.Error())
		return "", fmt.Errorf("failed to resolve MetaCTF coach user for coach %s: %w", coach.ID, err)
	}

	if !s.isAcceptedCoachStatus(user.MetaCTFUserStatus) {
		msg := fmt.Sprintf("coach MetaCTF status %q is not accepted", user.MetaCTFUserStatus)
		s.recordCoachSyncError(coach.ID, msg)
		return "", fmt.Errorf("%s (coach %s)", msg, coach.ID)
	}

	now := time.Now().UTC()
	if err := s.DB.Model(&models.Coach{}).Where("id = ?", coach.ID).Updates(map[string]interface{}{
		"syned_coach_user_id": user.SynedUserID,
		"syned_at":            now,
		"sync_error":          nil,
	}).Error; err != nil {
		return "", fmt.Errorf("failed to persist syned_coach_user_id for coach %s: %w", coach.ID, err)
	}
	coach.SynedCoachUserID = &user.SynedUserID
	return user.SynedUserID, nil
}

func (s *OnboardingService) isAcceptedCoachStatus(status string) bool {
	for _, accepted := range s.AcceptedCoachStatuses {
		if strings.EqualFold(status, accepted) {
			return true
		}
	}
	return false
}

// OnboardBatch runs competitor onboarding over an explicit id list or the
// current eligible population. Per-row failures are recorded and counted, and
// the pass continues with the next row.
func (s *OnboardingService) OnboardBatch(ctx context.Context, p OnboardBatchParams) (OnboardBatchResult, error) {
	ids := p.CompetitorIDs
	if len(ids) == 0 {
		q := s.DB.Model(&models.Competitor{}).
			Where("status = ? AND syned_user_id IS NULL", models.CompetitorStatusCompliance)
		if p.CoachID != "" {
			q = q.Where("coach_id = ?", p.CoachID)
		}
		if p.OnlyActive {
			q = q.Where("is_active = ?", true)
		}
		batch := p.BatchSize
		if batch <= 0 {
			batch = 50
		}
		if err := q.Order("created_at, id").Limit(batch).Pluck("id", &ids).Error; err != nil {
			return OnboardBatchResult{}, fmt.Errorf("failed to query onboarding candidates: %w", err)
		}
	}

	var result OnboardBatchResult
	for _, id := range ids {
		result.Attempted++
		outcome, err := s.OnboardCompetitor(ctx, id)
		switch {
		case err != nil:
			result.Failed++
			log.Printf("[ONBOARD] ❌ Competitor %s failed: %v", id, err)
		case outcome == OutcomeSynced:
			result.Synced++
		default:
			result.Skipped++
		}
	}
	log.Printf("[ONBOARD] ✅ Batch done: %d attempted, %d synced, %d skipped, %d failed",
		result.Attempted, result.Synced, result.Skipped, result.Failed)
	return result, nil
}

// SyncTeam creates the MetaCTF team if needed and reconciles its remote
// membership against the local team_members rows in both directions.
func (s *OnboardingService) SyncTeam(ctx context.Context, teamID string) (OnboardOutcome, error) {
	var team models.Team
	if err := s.DB.First(&team, "id = ?", teamID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return OutcomeSkippedMissingTeam, nil
		}
		return "", fmt.Errorf("failed to load team %s: %w", teamID, err)
	}

	var coach models.Coach
	if err := s.DB.First(&coach, "id = ?", team.CoachID).Error; err != nil {
		s.recordTeamSyncError(team.ID, fmt.Sprintf("missing coach mapping: %v", err))
		return OutcomeSkippedMissingCoachMapping, nil
	}
	coachSynedID, err := s.resolveCoachSynedUserID(ctx, &coach)
	if err != nil {
		s.recordTeamSyncError(team.ID, err.Error())
		return OutcomeSkippedMissingCoachMapping, nil
	}

	if team.SynedTeamID == nil || *team.SynedTeamID == "" {
		affiliation := team.Affiliation
		if affiliation == "" {
			affiliation = coach.SchoolName
		}
		created, err := s.Client.CreateTeam(ctx, CreateTeamRequest{
			TeamName:         team.Name,
			Division:         string(models.NormalizeDivision(string(team.Division))),
			Affiliation:      affiliation,
			CoachSynedUserID: coachSynedID,
		})
		if err != nil {
			s.recordTeamSyncError(team.ID, err.Error())
			return "", err
		}
		if err := s.DB.Model(&models.Team{}).Where("id = ?", team.ID).Updates(map[string]interface{}{
			"syned_team_id": created.SynedTeamID,
			"syned_at":      time.Now().UTC(),
		}).Error; err != nil {
			return "", fmt.Errorf("failed to persist syned_team_id for team %s: %w", team.ID, err)
		}
		team.SynedTeamID = &created.SynedTeamID
		log.Printf("[TEAM_SYNC] ✅ Team %s created on MetaCTF as %s", team.ID, created.SynedTeamID)
	}

	if err := s.reconcileTeamMembership(ctx, &team); err != nil {
		s.recordTeamSyncError(team.ID, err.Error())
		return "", err
	}

	if err := s.DB.Model(&models.Team{}).Where("id = ?", team.ID).Updates(map[string]interface{}{
		"sync_error": nil,
		"syned_at":   time.Now().UTC(),
	}).Error; err != nil {
		return "", fmt.Errorf("failed to clear sync error for team %s: %w", team.ID, err)
	}
	return OutcomeSynced, nil
}

// reconcileTeamMembership diffs remote assignments against local members:
// local-not-remote gets assigned, remote-not-local gets unassigned. Local
// members without a MetaCTF user yet are skipped, not errored.
func (s *OnboardingService) reconcileTeamMembership(ctx context.Context, team *models.Team) error {
	assignments, err := s.Client.GetTeamAssignments(ctx, *team.SynedTeamID)
	if err != nil {
		return fmt.Errorf("failed to fetch team assignments: %w", err)
	}
	remote := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		remote[a.SynedUserID] = true
	}

	var members []models.Competitor
	if err := s.DB.
		Joins("JOIN team_members ON team_members.competitor_id = competitors.id").
		Where("team_members.team_id = ? AND team_members.deleted_at IS NULL", team.ID).
		Find(&members).Error; err != nil {
		return fmt.Errorf("failed to load team members: %w", err)
	}

	local := make(map[string]bool, len(members))
	var skippedUnboarded int
	for _, m := range members {
		if m.SynedUserID == nil || *m.SynedUserID == "" {
			skippedUnboarded++
			continue
		}
		local[*m.SynedUserID] = true
		if !remote[*m.SynedUserID] {
			if err := s.Client.AssignUserToTeam(ctx, *team.SynedTeamID, *m.SynedUserID); err != nil {
				return fmt.Errorf("failed to assign %s to team: %w", *m.SynedUserID, err)
			}
			log.Printf("[TEAM_SYNC] ➕ Assigned %s to team %s", *m.SynedUserID, *team.SynedTeamID)
		}
	}

	for synedUserID := range remote {
		if !local[synedUserID] {
			if err := s.Client.UnassignUserFromTeam(ctx, *team.SynedTeamID, synedUserID); err != nil {
				return fmt.Errorf("failed to unassign %s from team: %w", synedUserID, err)
			}
			log.Printf("[TEAM_SYNC] ➖ Unassigned %s from team %s", synedUserID, *team.SynedTeamID)
		}
	}

	if skippedUnboarded > 0 {
		log.Printf("[TEAM_SYNC] ⏭️ Team %s: %d member(s) not yet onboarded, skipped", team.ID, skippedUnboarded)
	}
	return nil
}

// DeleteTeam removes the remote team. A team that was never synced is a no-op.
func (s *OnboardingService) DeleteTeam(ctx context.Context, teamID string) (OnboardOutcome, error) {
	var team models.Team
	if err := s.DB.First(&team, "id = ?", teamID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return OutcomeSkippedMissingTeam, nil
		}
		return "", fmt.Errorf("failed to load team %s: %w", teamID, err)
	}
	if team.SynedTeamID == nil || *team.SynedTeamID == "" {
		return OutcomeSkippedNotSynced, nil
	}
	if err := s.Client.DeleteTeam(ctx, *team.SynedTeamID); err != nil {
		return "", err
	}
	log.Printf("[TEAM_SYNC] 🗑️ Team %s deleted on MetaCTF (%s)", team.ID, *team.SynedTeamID)
	return OutcomeSynced, nil
}

// ForceReonboardCompetitor clears the remote linkage and cached activity for
// one competitor so the next onboarding pass recreates it. This is the only
// path that ever clears syned_user_id.
func (s *OnboardingService) ForceReonboardCompetitor(ctx context.Context, competitorID string) error {
	var competitor models.Competitor
	if err := s.DB.First(&competitor, "id = ?", competitorID).Error; err != nil {
		return fmt.Errorf("failed to load competitor %s: %w", competitorID, err)
	}
	if competitor.SynedUserID == nil || *competitor.SynedUserID == "" {
		return nil
	}
	synedUserID := *competitor.SynedUserID

	if err := s.DB.Where("syned_user_id = ?", synedUserID).Delete(&models.ChallengeSolve{}).Error; err != nil {
		return fmt.Errorf("failed to clear solve cache: %w", err)
	}
	if err := s.DB.Where("syned_user_id = ?", synedUserID).Delete(&models.FlashCtfEvent{}).Error; err != nil {
		return fmt.Errorf("failed to clear flash ctf cache: %w", err)
	}
	if err := s.DB.Where("syned_user_id = ?", synedUserID).Delete(&models.SyncState{}).Error; err != nil {
		return fmt.Errorf("failed to clear sync state: %w", err)
	}
	if err := s.DB.Where("competitor_id = ?", competitorID).Delete(&models.CompetitorStats{}).Error; err != nil {
		return fmt.Errorf("failed to clear stats row: %w", err)
	}
	if err := s.DB.Model(&models.Competitor{}).Where("id = ?", competitorID).Updates(map[string]interface{}{
		"syned_user_id": nil,
		"syned_at":      nil,
		"sync_error":    nil,
	}).Error; err != nil {
		return fmt.Errorf("failed to clear remote linkage: %w", err)
	}
	log.Printf("[ONBOARD] ♻️ Competitor %s reset for re-onboarding (was %s)", competitorID, synedUserID)
	return nil
}

// ensureStatsRow creates the initial empty aggregate row. A duplicate-row
// error means a concurrent path already created it — benign.
func (s *OnboardingService) ensureStatsRow(competitorID string) {
	stats := models.CompetitorStats{ID: uuid.NewString(), CompetitorID: competitorID}
	if err := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "competitor_id"}},
		DoNothing: true,
	}).Create(&stats).Error; err != nil {
		log.Printf("[ONBOARD] ⚠️ Failed to create stats row for competitor %s: %v", competitorID, err)
	}
}

// resyncCompetitorTeams re-reconciles every team the competitor belongs to so
// a freshly onboarded member shows up remotely without waiting for the next
// scheduled team sync.
func (s *OnboardingService) resyncCompetitorTeams(ctx context.Context, competitorID string) {
	var teamIDs []string
	if err := s.DB.Model(&models.TeamMember{}).
		Where("competitor_id = ?", competitorID).
		Pluck("team_id", &teamIDs).Error; err != nil {
		log.Printf("[ONBOARD] ⚠️ Failed to list teams for competitor %s: %v", competitorID, err)
		return
	}
	for _, teamID := range teamIDs {
		if _, err := s.SyncTeam(ctx, teamID); err != nil {
			log.Printf("[ONBOARD] ⚠️ Post-onboarding team sync failed for team %s: %v", teamID, err)
		}
	}
}

func (s *OnboardingService) recordCompetitorSyncError(competitorID, msg string) {
	if err := s.DB.Model(&models.Competitor{}).Where("id = ?", competitorID).
		Update("sync_error", msg).Error; err != nil {
		log.Printf("[ONBOARD] ⚠️ Failed to record sync error on competitor %s: %v", competitorID, err)
	}
}

func (s *OnboardingService) recordCoachSyncError(coachID, msg string) {
	if err := s.DB.Model(&models.Coach{}).Where("id = ?", coachID).
		Update("sync_error", msg).Error; err != nil {
		log.Printf("[ONBOARD] ⚠️ Failed to record sync error on coach %s: %v", coachID, err)
	}
}

func (s *OnboardingService) recordTeamSyncError(teamID, msg string) {
	if err := s.DB.Model(&models.Team{}).Where("id = ?", teamID).
		Update("sync_error", msg).Error; err != nil {
		log.Printf("[ONBOARD] ⚠️ Failed to record sync error on team %s: %v", teamID, err)
	}
}
