package workers

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartSyncScheduler enqueues the recurring sync jobs. A new wave is only
// enqueued when no job of that type is already pending or running, so a slow
// wave never piles up behind itself.
func StartSyncScheduler(queue *Queue) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()

	// Every 15 minutes: onboard newly eligible competitors
	_, _ = sched.NewJob(
		gocron.DurationJob(15*time.Minute),
		gocron.NewTask(func() {
			enqueueIfIdle(queue, TaskOnboardCompetitors, OnboardCompetitorsPayload{OnlyActive: true})
		}),
	)

	// Every hour: incremental stats wave
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			enqueueIfIdle(queue, TaskSyncStats, SyncStatsPayload{})
		}),
	)

	// Every 30 minutes: drain the totals-refresh backlog
	_, _ = sched.NewJob(
		gocron.DurationJob(30*time.Minute),
		gocron.NewTask(func() {
			enqueueIfIdle(queue, TaskRefreshTotals, RefreshTotalsPayload{})
		}),
	)

	return sched, nil
}

func enqueueIfIdle(queue *Queue, taskType string, payload interface{}) {
	active, err := queue.HasActiveJob(taskType)
	if err != nil {
		log.Printf("[SCHEDULER] ❌ Failed to check %s jobs: %v", taskType, err)
		return
	}
	if active {
		log.Printf("[SCHEDULER] ⏭️ Skipping %s — a job is already queued or running", taskType)
		return
	}
	if _, err := queue.Enqueue(taskType, payload); err != nil {
		log.Printf("[SCHEDULER] ❌ Failed to enqueue %s: %v", taskType, err)
	}
}
