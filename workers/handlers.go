package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"coach-sync-system/models"
	"coach-sync-system/services"

	"github.com/google/uuid"
)

// TaskHandlers bind the sync services to queue task types.
type TaskHandlers struct {
	Queue      *Queue
	Onboarding *services.OnboardingService
	Stats      *services.StatsSyncService
	Totals     *services.TotalsService
}

func NewTaskHandlers(queue *Queue, onboarding *services.OnboardingService, stats *services.StatsSyncService, totals *services.TotalsService) *TaskHandlers {
	return &TaskHandlers{Queue: queue, Onboarding: onboarding, Stats: stats, Totals: totals}
}

// RegisterAll wires every task type onto the worker.
func (h *TaskHandlers) RegisterAll(w *Worker) {
	w.Register(TaskOnboardCompetitors, h.HandleOnboardCompetitors)
	w.Register(TaskSyncStats, h.HandleSyncStats)
	w.Register(TaskRefreshTotals, h.HandleRefreshTotals)
	w.Register(TaskSyncTeam, h.HandleSyncTeam)
}

func (h *TaskHandlers) HandleOnboardCompetitors(ctx context.Context, job *models.Job) (interface{}, error) {
	var payload OnboardCompetitorsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid onboarding payload: %w", err)
	}
	result, err := h.Onboarding.OnboardBatch(ctx, services.OnboardBatchParams{
		CompetitorIDs: payload.CompetitorIDs,
		CoachID:       payload.CoachID,
		BatchSize:     payload.BatchSize,
		OnlyActive:    payload.OnlyActive,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandleSyncStats runs one wave: it opens (or resumes) the SyncRun bracket,
// then pages through the population, persisting cursor and sentinel decision
// onto the job after every page.
func (h *TaskHandlers) HandleSyncStats(ctx context.Context, job *models.Job) (interface{}, error) {
	var payload SyncStatsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid stats sync payload: %w", err)
	}

	var run *models.SyncRun
	if payload.DryRun {
		// Dry runs write nothing, so they get an ephemeral bracket that is
		// never persisted and can never become another wave's checkpoint.
		run = &models.SyncRun{ID: uuid.NewString(), SyncType: services.SyncTypeStats, Status: models.SyncRunRunning}
	} else if payload.RunID != "" {
		var existing models.SyncRun
		if err := h.Queue.DB.First(&existing, "id = ?", payload.RunID).Error; err == nil {
			run = &existing
			log.Printf("[QUEUE] ⏩ Resuming sync run %s at cursor %q", run.ID, payload.Cursor)
		}
	}
	if run == nil {
		var err error
		run, err = h.Stats.StartRun(services.SyncTypeStats)
		if err != nil {
			return nil, h.maybeFailRun(job, payload.RunID, err)
		}
		payload.RunID = run.ID
		if err := h.Queue.UpdatePayload(job.ID, payload); err != nil {
			return nil, err
		}
	}

	for {
		page, err := h.Stats.SyncPage(ctx, run, services.WaveParams{
			BatchSize:         payload.BatchSize,
			CoachID:           payload.CoachID,
			ForceFullSync:     payload.ForceFullSync,
			ForceFlashCtfSync: payload.ForceFlashCtfSync,
			DryRun:            payload.DryRun,
			Cursor:            payload.Cursor,
			FlashCtfEnabled:   payload.FlashCtfEnabled,
		})
		if err != nil {
			return nil, h.maybeFailRun(job, run.ID, err)
		}

		if page.NextCursor != "" {
			payload.Cursor = page.NextCursor
		}
		payload.FlashCtfEnabled = &page.FlashCtfEnabled
		if err := h.Queue.UpdatePayload(job.ID, payload); err != nil {
			return nil, err
		}
		if page.Done {
			break
		}
	}

	if !payload.DryRun {
		if err := h.Stats.FinalizeRun(run.ID, false); err != nil {
			return nil, err
		}
		var finalized models.SyncRun
		if err := h.Queue.DB.First(&finalized, "id = ?", run.ID).Error; err == nil {
			services.ArchiveRunReport(ctx, &finalized)
			return finalized, nil
		}
	}
	return run, nil
}

// maybeFailRun finalizes the run as failed when this was the job's last
// attempt; earlier attempts leave the run open so a retry resumes it.
func (h *TaskHandlers) maybeFailRun(job *models.Job, runID string, err error) error {
	if runID != "" && job.Attempts >= job.MaxAttempts {
		if finErr := h.Stats.FinalizeRun(runID, true); finErr != nil {
			log.Printf("[QUEUE] ⚠️ Failed to finalize run %s as failed: %v", runID, finErr)
		}
	}
	return err
}

func (h *TaskHandlers) HandleRefreshTotals(ctx context.Context, job *models.Job) (interface{}, error) {
	var payload RefreshTotalsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid totals payload: %w", err)
	}

	total := services.TotalsPage{}
	for {
		page, err := h.Totals.SweepPage(ctx, services.TotalsParams{
			BatchSize: payload.BatchSize,
			CoachID:   payload.CoachID,
			ForceAll:  payload.ForceAll,
			Cursor:    payload.Cursor,
		})
		if err != nil {
			return nil, err
		}
		total.Processed += page.Processed
		total.Refreshed += page.Refreshed
		total.Failed += page.Failed

		if page.NextCursor != "" {
			payload.Cursor = page.NextCursor
			if err := h.Queue.UpdatePayload(job.ID, payload); err != nil {
				return nil, err
			}
		}
		if page.Done {
			return total, nil
		}
	}
}

func (h *TaskHandlers) HandleSyncTeam(ctx context.Context, job *models.Job) (interface{}, error) {
	var payload SyncTeamPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid team sync payload: %w", err)
	}
	if payload.TeamID == "" {
		return nil, fmt.Errorf("team sync payload is missing team_id")
	}
	var outcome services.OnboardOutcome
	var err error
	if payload.Delete {
		outcome, err = h.Onboarding.DeleteTeam(ctx, payload.TeamID)
	} else {
		outcome, err = h.Onboarding.SyncTeam(ctx, payload.TeamID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"outcome": string(outcome)}, nil
}
