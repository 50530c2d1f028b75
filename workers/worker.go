package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"coach-sync-system/models"
)

// HandlerFunc processes one claimed job and returns its output. A returned
// error fails the job (retried with backoff until the attempt budget runs
// out); wrap it in *RetryAfterError to pick the retry delay explicitly.
type HandlerFunc func(ctx context.Context, job *models.Job) (interface{}, error)

// RetryAfterError asks the queue to retry after an explicit delay instead of
// the default exponential backoff.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// Worker polls the queue, claims due jobs, and dispatches them to the handler
// registered for their task type. Each claimed job runs to completion before
// the worker claims another.
type Worker struct {
	Queue        *Queue
	PollInterval time.Duration
	BatchSize    int

	handlers map[string]HandlerFunc
}

func NewWorker(queue *Queue, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		Queue:        queue,
		PollInterval: pollInterval,
		BatchSize:    5,
		handlers:     make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a task type. Registering twice for the same
// type is a programming error.
func (w *Worker) Register(taskType string, handler HandlerFunc) {
	if _, dup := w.handlers[taskType]; dup {
		log.Fatalf("❌ Duplicate handler registration for task type %q", taskType)
	}
	w.handlers[taskType] = handler
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("🔁 Queue worker started (poll every %v)", w.PollInterval)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Queue worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	jobs, err := w.Queue.Claim(w.BatchSize)
	if err != nil {
		log.Printf("[QUEUE] ❌ Claim failed: %v", err)
		return
	}
	for i := range jobs {
		w.process(ctx, &jobs[i])
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	handler, ok := w.handlers[job.TaskType]
	if !ok {
		// An unregistered task type is a deployment configuration error, not
		// a job failure — crash loudly instead of burning the job's attempts.
		log.Fatalf("❌ No handler registered for task type %q (job %s)", job.TaskType, job.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("handler panicked: %v", r)
			log.Printf("[QUEUE] 💥 Job %s (%s): %s", job.ID, job.TaskType, msg)
			if err := w.Queue.Fail(job.ID, msg, nil); err != nil {
				log.Printf("[QUEUE] ⚠️ Failed to record panic for job %s: %v", job.ID, err)
			}
		}
	}()

	log.Printf("[QUEUE] ▶️ Job %s (%s) attempt %d/%d", job.ID, job.TaskType, job.Attempts, job.MaxAttempts)
	output, err := handler(ctx, job)
	if err != nil {
		var retryErr *RetryAfterError
		var retryAfter *time.Duration
		if errors.As(err, &retryErr) {
			retryAfter = &retryErr.After
		}
		if failErr := w.Queue.Fail(job.ID, err.Error(), retryAfter); failErr != nil {
			log.Printf("[QUEUE] ⚠️ Failed to record failure for job %s: %v", job.ID, failErr)
		}
		return
	}
	if err := w.Queue.Succeed(job.ID, output); err != nil {
		log.Printf("[QUEUE] ⚠️ Failed to record success for job %s: %v", job.ID, err)
		return
	}
	log.Printf("[QUEUE] ✅ Job %s (%s) succeeded", job.ID, job.TaskType)
}
