package workers

import (
	"encoding/json"
	"testing"
	"time"

	"coach-sync-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Job{}))
	return db
}

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(testDB(t))
	q.BackoffBase = time.Second
	q.BackoffMax = time.Minute
	return q
}

func TestQueueLifecycle(t *testing.T) {
	q := testQueue(t)

	job, err := q.Enqueue("demo_task", map[string]string{"key": "value"})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Zero(t, job.Attempts)

	claimed, err := q.Claim(5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, job.ID, claimed[0].ID)
	assert.Equal(t, models.JobRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.NotNil(t, claimed[0].StartedAt)

	// A running job cannot be claimed again.
	again, err := q.Claim(5)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Succeed(job.ID, map[string]int{"processed": 3}))

	var final models.Job
	require.NoError(t, q.DB.First(&final, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobSucceeded, final.Status)
	assert.NotNil(t, final.FinishedAt)
	assert.JSONEq(t, `{"processed":3}`, string(final.Output))
}

func TestQueueFutureJobsAreNotDue(t *testing.T) {
	q := testQueue(t)

	_, err := q.EnqueueAt("demo_task", nil, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)

	claimed, err := q.Claim(5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestQueueRetriesUntilAttemptBudgetExhausted(t *testing.T) {
	q := testQueue(t)
	job, err := q.Enqueue("flaky_task", nil)
	require.NoError(t, err)

	var lastRunAt time.Time
	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		// Make the retry due immediately so the next claim sees it.
		require.NoError(t, q.DB.Model(&models.Job{}).Where("id = ?", job.ID).
			Update("run_at", time.Now().Add(-time.Second)).Error)

		claimed, err := q.Claim(1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, claimed[0].Attempts)

		require.NoError(t, q.Fail(job.ID, "boom", nil))

		var reloaded models.Job
		require.NoError(t, q.DB.First(&reloaded, "id = ?", job.ID).Error)
		if attempt < job.MaxAttempts {
			assert.Equal(t, models.JobPending, reloaded.Status)
			assert.True(t, reloaded.RunAt.After(lastRunAt), "backoff must push run_at forward")
			lastRunAt = reloaded.RunAt
		} else {
			assert.Equal(t, models.JobFailed, reloaded.Status)
			assert.NotNil(t, reloaded.FinishedAt)
			require.NotNil(t, reloaded.LastError)
			assert.Equal(t, "boom", *reloaded.LastError)
		}
	}

	// Terminal failure stays terminal.
	require.NoError(t, q.DB.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("run_at", time.Now().Add(-time.Second)).Error)
	claimed, err := q.Claim(5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestQueueExplicitRetryDelay(t *testing.T) {
	q := testQueue(t)
	job, err := q.Enqueue("throttled_task", nil)
	require.NoError(t, err)

	_, err = q.Claim(1)
	require.NoError(t, err)

	delay := 10 * time.Minute
	before := time.Now().UTC()
	require.NoError(t, q.Fail(job.ID, "rate limited", &delay))

	var reloaded models.Job
	require.NoError(t, q.DB.First(&reloaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobPending, reloaded.Status)
	assert.True(t, reloaded.RunAt.After(before.Add(9*time.Minute)))
}

func TestQueueCancelOnlyPendingJobs(t *testing.T) {
	q := testQueue(t)
	job, err := q.Enqueue("demo_task", nil)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(job.ID))
	var cancelled models.Job
	require.NoError(t, q.DB.First(&cancelled, "id = ?", job.ID).Error)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	// Cancelled jobs never run.
	claimed, err := q.Claim(5)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	running, err := q.Enqueue("demo_task", nil)
	require.NoError(t, err)
	_, err = q.Claim(1)
	require.NoError(t, err)
	assert.Error(t, q.Cancel(running.ID), "a claimed job is past the point of cancellation")
}

func TestQueueUpdatePayloadCheckpointsCursor(t *testing.T) {
	q := testQueue(t)
	job, err := q.Enqueue(TaskSyncStats, SyncStatsPayload{BatchSize: 25})
	require.NoError(t, err)

	require.NoError(t, q.UpdatePayload(job.ID, SyncStatsPayload{
		BatchSize: 25,
		RunID:     "run-1",
		Cursor:    "2026-08-30T10:00:00Z|abc",
	}))

	var reloaded models.Job
	require.NoError(t, q.DB.First(&reloaded, "id = ?", job.ID).Error)
	var payload SyncStatsPayload
	require.NoError(t, json.Unmarshal(reloaded.Payload, &payload))
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "2026-08-30T10:00:00Z|abc", payload.Cursor)
}

func TestQueueHasActiveJob(t *testing.T) {
	q := testQueue(t)

	active, err := q.HasActiveJob(TaskRefreshTotals)
	require.NoError(t, err)
	assert.False(t, active)

	job, err := q.Enqueue(TaskRefreshTotals, RefreshTotalsPayload{})
	require.NoError(t, err)
	active, err = q.HasActiveJob(TaskRefreshTotals)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = q.Claim(1)
	require.NoError(t, err)
	active, err = q.HasActiveJob(TaskRefreshTotals)
	require.NoError(t, err)
	assert.True(t, active, "running still counts as active")

	require.NoError(t, q.Succeed(job.ID, nil))
	active, err = q.HasActiveJob(TaskRefreshTotals)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestQueueBackoffGrowthIsCapped(t *testing.T) {
	q := testQueue(t)
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, time.Minute, q.backoff(20))
}
