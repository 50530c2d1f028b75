package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coach-sync-system/models"
	"coach-sync-system/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// syncTestDB migrates the full schema, unlike testDB which only needs jobs.
func syncTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := testDB(t)
	require.NoError(t, db.AutoMigrate(
		&models.Coach{},
		&models.Competitor{},
		&models.Team{},
		&models.TeamMember{},
		&models.SyncState{},
		&models.SyncRun{},
		&models.ChallengeSolve{},
		&models.FlashCtfEvent{},
		&models.CompetitorStats{},
	))
	return db
}

// quietMetaCTF serves empty feeds for every known endpoint.
func quietMetaCTF(t *testing.T) *services.MetaCTFClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/scores/odl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"challenge_solves":[],"total_challenges_solved":5,"total_points":500,"last_accessed_unix_timestamp":0}`)
	})
	mux.HandleFunc("GET /api/v1/scores/flash_ctf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"flash_ctfs":[]}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client, err := services.NewMetaCTFClient(server.URL, services.StaticToken("test-token"))
	require.NoError(t, err)
	return client
}

func newHandlerFixture(t *testing.T) (*TaskHandlers, *Queue, *gorm.DB) {
	db := syncTestDB(t)
	client := quietMetaCTF(t)
	stats := services.NewStatsSyncService(db, client)
	stats.FlashCtfForceEveryN = 0
	onboarding := services.NewOnboardingService(db, client, stats, nil)
	totals := services.NewTotalsService(db, client)
	queue := NewQueue(db)
	return NewTaskHandlers(queue, onboarding, stats, totals), queue, db
}

func seedSyncedCompetitor(t *testing.T, db *gorm.DB, coachID, synedUserID string) *models.Competitor {
	t.Helper()
	now := time.Now().UTC()
	competitor := &models.Competitor{
		ID:          uuid.NewString(),
		CoachID:     coachID,
		FirstName:   "Riley",
		LastName:    "Park",
		Email:       fmt.Sprintf("%s@example.org", synedUserID),
		IsActive:    true,
		Status:      models.CompetitorStatusComplete,
		SynedUserID: &synedUserID,
		SynedAt:     &now,
	}
	require.NoError(t, db.Create(competitor).Error)
	return competitor
}

func TestHandleSyncStats_BracketsRunAndCheckpointsCursor(t *testing.T) {
	h, q, db := newHandlerFixture(t)
	coachID := uuid.NewString()
	require.NoError(t, db.Create(&models.Coach{ID: coachID, Role: "coach", IsApproved: true, Email: "c@example.org"}).Error)
	for i := 0; i < 3; i++ {
		seedSyncedCompetitor(t, db, coachID, fmt.Sprintf("mcu-%d", i))
	}

	off := false
	job, err := q.Enqueue(TaskSyncStats, SyncStatsPayload{BatchSize: 2, FlashCtfEnabled: &off})
	require.NoError(t, err)
	claimed, err := q.Claim(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = h.HandleSyncStats(context.Background(), &claimed[0])
	require.NoError(t, err)

	// The job payload now carries everything a retry would need to resume.
	var reloaded models.Job
	require.NoError(t, db.First(&reloaded, "id = ?", job.ID).Error)
	var payload SyncStatsPayload
	require.NoError(t, json.Unmarshal(reloaded.Payload, &payload))
	assert.NotEmpty(t, payload.RunID)
	assert.NotEmpty(t, payload.Cursor)
	require.NotNil(t, payload.FlashCtfEnabled)
	assert.False(t, *payload.FlashCtfEnabled)

	var run models.SyncRun
	require.NoError(t, db.First(&run, "id = ?", payload.RunID).Error)
	assert.Equal(t, models.SyncRunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestHandleSyncStats_ResumesExistingRun(t *testing.T) {
	h, q, db := newHandlerFixture(t)
	coachID := uuid.NewString()
	require.NoError(t, db.Create(&models.Coach{ID: coachID, Role: "coach", IsApproved: true, Email: "c@example.org"}).Error)
	seedSyncedCompetitor(t, db, coachID, "mcu-resume")

	run, err := h.Stats.StartRun(services.SyncTypeStats)
	require.NoError(t, err)

	off := false
	_, err = q.Enqueue(TaskSyncStats, SyncStatsPayload{RunID: run.ID, FlashCtfEnabled: &off})
	require.NoError(t, err)
	claimed, err := q.Claim(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = h.HandleSyncStats(context.Background(), &claimed[0])
	require.NoError(t, err)

	// The interrupted run was finished, not replaced by a second one.
	var runs int64
	db.Model(&models.SyncRun{}).Count(&runs)
	assert.EqualValues(t, 1, runs)
	var finished models.SyncRun
	require.NoError(t, db.First(&finished, "id = ?", run.ID).Error)
	assert.Equal(t, models.SyncRunCompleted, finished.Status)
}

func TestHandleRefreshTotals_DrainsBacklog(t *testing.T) {
	h, q, db := newHandlerFixture(t)
	coachID := uuid.NewString()
	require.NoError(t, db.Create(&models.Coach{ID: coachID, Role: "coach", IsApproved: true, Email: "c@example.org"}).Error)
	competitor := seedSyncedCompetitor(t, db, coachID, "mcu-1")
	require.NoError(t, db.Create(&models.CompetitorStats{ID: uuid.NewString(), CompetitorID: competitor.ID}).Error)
	require.NoError(t, db.Create(&models.SyncState{SynedUserID: "mcu-1", NeedsTotalsRefresh: true}).Error)

	_, err := q.Enqueue(TaskRefreshTotals, RefreshTotalsPayload{BatchSize: 10})
	require.NoError(t, err)
	claimed, err := q.Claim(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	out, err := h.HandleRefreshTotals(context.Background(), &claimed[0])
	require.NoError(t, err)
	page, ok := out.(services.TotalsPage)
	require.True(t, ok)
	assert.Equal(t, 1, page.Refreshed)

	var stats models.CompetitorStats
	require.NoError(t, db.First(&stats, "competitor_id = ?", competitor.ID).Error)
	assert.Equal(t, 5, stats.TotalChallengesSolved)
	assert.Equal(t, 500, stats.TotalPoints)
}

func TestHandleSyncTeam_RejectsEmptyTeamID(t *testing.T) {
	h, q, _ := newHandlerFixture(t)
	_, err := q.Enqueue(TaskSyncTeam, SyncTeamPayload{})
	require.NoError(t, err)
	claimed, err := q.Claim(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = h.HandleSyncTeam(context.Background(), &claimed[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "team_id")
}

func TestHandleSyncStats_DryRunLeavesNoRunRows(t *testing.T) {
	h, q, db := newHandlerFixture(t)
	coachID := uuid.NewString()
	require.NoError(t, db.Create(&models.Coach{ID: coachID, Role: "coach", IsApproved: true, Email: "c@example.org"}).Error)
	seedSyncedCompetitor(t, db, coachID, "mcu-dry")

	off := false
	_, err := q.Enqueue(TaskSyncStats, SyncStatsPayload{DryRun: true, FlashCtfEnabled: &off})
	require.NoError(t, err)
	claimed, err := q.Claim(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = h.HandleSyncStats(context.Background(), &claimed[0])
	require.NoError(t, err)

	var runs int64
	db.Model(&models.SyncRun{}).Count(&runs)
	assert.Zero(t, runs, "a dry run must not leave a run row behind")
}
