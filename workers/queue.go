package workers

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"coach-sync-system/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Queue is the durable, polling-based task queue. All coordination happens
// through the jobs table: claiming is a conditional UPDATE, so any number of
// worker processes can poll the same database without double-claiming.
type Queue struct {
	DB *gorm.DB

	DefaultMaxAttempts int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{
		DB:                 db,
		DefaultMaxAttempts: 3,
		BackoffBase:        30 * time.Second,
		BackoffMax:         30 * time.Minute,
	}
}

// Enqueue creates a pending job due immediately.
func (q *Queue) Enqueue(taskType string, payload interface{}) (*models.Job, error) {
	return q.EnqueueAt(taskType, payload, time.Now().UTC(), q.DefaultMaxAttempts)
}

// EnqueueAt creates a pending job with an explicit not-before time and
// attempt budget.
func (q *Queue) EnqueueAt(taskType string, payload interface{}, runAt time.Time, maxAttempts int) (*models.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.DefaultMaxAttempts
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", taskType, err)
	}
	job := models.Job{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Payload:     datatypes.JSON(raw),
		Status:      models.JobPending,
		RunAt:       runAt.UTC(),
		MaxAttempts: maxAttempts,
	}
	if err := q.DB.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", taskType, err)
	}
	log.Printf("[QUEUE] 📥 Enqueued %s job %s (run_at=%s)", taskType, job.ID, job.RunAt.Format(time.RFC3339))
	return &job, nil
}

// Claim atomically leases up to n due jobs. Candidates are scanned first, but
// the lease itself is the conditional pending→running UPDATE — a row another
// worker already flipped affects zero rows and is skipped.
func (q *Queue) Claim(n int) ([]models.Job, error) {
	now := time.Now().UTC()

	var ids []string
	if err := q.DB.Model(&models.Job{}).
		Where("status = ? AND run_at <= ?", models.JobPending, now).
		Order("run_at, created_at").
		Limit(n).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to scan due jobs: %w", err)
	}

	var claimed []models.Job
	for _, id := range ids {
		res := q.DB.Model(&models.Job{}).
			Where("id = ? AND status = ?", id, models.JobPending).
			Updates(map[string]interface{}{
				"status":     models.JobRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"started_at": now,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to claim job %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // lost the race to another worker
		}
		var job models.Job
		if err := q.DB.First(&job, "id = ?", id).Error; err != nil {
			return claimed, fmt.Errorf("failed to reload claimed job %s: %w", id, err)
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Succeed finishes a running job with its output.
func (q *Queue) Succeed(jobID string, output interface{}) error {
	raw, err := json.Marshal(output)
	if err != nil {
		raw = []byte(`null`)
	}
	res := q.DB.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobRunning).
		Updates(map[string]interface{}{
			"status":      models.JobSucceeded,
			"output":      datatypes.JSON(raw),
			"last_error":  nil,
			"finished_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark job %s succeeded: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// Fail records a failure. Before the attempt budget is exhausted the job goes
// back to pending with a later run_at (explicit delay, or exponential
// backoff); on the last attempt it becomes terminally failed.
func (q *Queue) Fail(jobID, errMsg string, retryAfter *time.Duration) error {
	var job models.Job
	if err := q.DB.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status != models.JobRunning {
		return fmt.Errorf("job %s is not running", jobID)
	}

	if job.Attempts >= job.MaxAttempts {
		res := q.DB.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobRunning).
			Updates(map[string]interface{}{
				"status":      models.JobFailed,
				"last_error":  errMsg,
				"finished_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark job %s failed: %w", jobID, res.Error)
		}
		log.Printf("[QUEUE] ☠️ Job %s (%s) failed terminally after %d attempt(s): %s", jobID, job.TaskType, job.Attempts, errMsg)
		return nil
	}

	delay := q.backoff(job.Attempts)
	if retryAfter != nil {
		delay = *retryAfter
	}
	nextRun := time.Now().UTC().Add(delay)
	res := q.DB.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobRunning).
		Updates(map[string]interface{}{
			"status":     models.JobPending,
			"last_error": errMsg,
			"run_at":     nextRun,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", jobID, res.Error)
	}
	log.Printf("[QUEUE] 🔁 Job %s (%s) failed attempt %d/%d, retrying at %s: %s",
		jobID, job.TaskType, job.Attempts, job.MaxAttempts, nextRun.Format(time.RFC3339), errMsg)
	return nil
}

// Cancel terminally cancels a job that has not been claimed yet.
func (q *Queue) Cancel(jobID string) error {
	res := q.DB.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobPending).
		Updates(map[string]interface{}{
			"status":      models.JobCancelled,
			"finished_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is not pending", jobID)
	}
	return nil
}

// UpdatePayload persists a mutated payload back onto the job. This is how
// wave handlers checkpoint their cursor between pages.
func (q *Queue) UpdatePayload(jobID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for job %s: %w", jobID, err)
	}
	if err := q.DB.Model(&models.Job{}).Where("id = ?", jobID).
		Update("payload", datatypes.JSON(raw)).Error; err != nil {
		return fmt.Errorf("failed to persist payload for job %s: %w", jobID, err)
	}
	return nil
}

// HasActiveJob reports whether a pending or running job of this task type
// already exists. The scheduler uses it to avoid piling up duplicate waves.
func (q *Queue) HasActiveJob(taskType string) (bool, error) {
	var count int64
	err := q.DB.Model(&models.Job{}).
		Where("task_type = ? AND status IN ?", taskType, []models.JobStatus{models.JobPending, models.JobRunning}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check active %s jobs: %w", taskType, err)
	}
	return count > 0, nil
}

func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.BackoffBase * (1 << (attempt - 1))
	if delay > q.BackoffMax || delay <= 0 {
		delay = q.BackoffMax
	}
	return delay
}
