package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vidforge/renderqueue/internal/monitor"
	"github.com/vidforge/renderqueue/internal/queue"
)

// Administrative surface, consumed by the HTTP layer and the AMQP ingest
// bridge. All operations go through the store; none touch worker state
// except Cancel/CancelAll, which signal through the in-flight registry.

// Enqueue persists a new pending job and wakes the admission loop. A
// maxAttempts of zero falls back to the configured default.
func (s *Scheduler) Enqueue(ctx context.Context, payload json.RawMessage, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMax
	}

	job := &queue.Job{
		ID:          uuid.New().String(),
		Payload:     payload,
		State:       queue.StatePending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}

	if err := s.store.Append(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.Int("max_attempts", maxAttempts),
	)

	s.poke()
	return job.ID, nil
}

// Status returns a copy of one job record.
func (s *Scheduler) Status(ctx context.Context, id string) (*queue.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns all job records, optionally filtered by state.
func (s *Scheduler) List(ctx context.Context, state queue.State) ([]*queue.Job, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if state == "" {
		return jobs, nil
	}

	filtered := jobs[:0]
	for _, job := range jobs {
		if job.State == state {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// ListFailed returns jobs currently in failed state.
func (s *Scheduler) ListFailed(ctx context.Context) ([]*queue.Job, error) {
	return s.List(ctx, queue.StateFailed)
}

// Cancel cancels one job. Pending jobs become cancelled immediately; running
// jobs are signaled for cooperative stop and settle when the worker
// acknowledges. Cancelling a job that is already terminal is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	var signal bool
	err := s.store.Update(ctx, id, func(j *queue.Job) error {
		switch {
		case j.Done():
			return nil
		case j.State == queue.StateRunning:
			signal = true
			return nil
		case j.State == queue.StateFailed:
			// Non-terminal failed only exists transiently inside the retry
			// mutation; at rest a failed job is terminal.
			return nil
		default:
			return j.Transition(queue.StateCancelled, time.Now())
		}
	})
	if err != nil {
		return err
	}

	if signal {
		s.mu.Lock()
		if cancel, ok := s.inflight[id]; ok {
			s.cancelRequested[id] = true
			cancel()
		}
		s.mu.Unlock()
		s.logger.Info("Running job signaled to stop", slog.String("job_id", id))
	} else {
		s.logger.Info("Job cancelled", slog.String("job_id", id))
	}

	s.poke()
	return nil
}

// CancelAll cancels every pending job immediately, signals all running jobs,
// and blocks until the in-flight workers acknowledge, so the store never
// retains a running job with no active worker.
func (s *Scheduler) CancelAll(ctx context.Context) error {
	if err := s.cancelPending(ctx); err != nil {
		return err
	}
	s.signalRunning()
	s.poke()

	if s.inflightCount() == 0 {
		return nil
	}

	ch := s.idleWaiter()
	if s.inflightCount() == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// RetryFailed manually re-admits a failed job, bypassing the automatic
// backoff schedule but still bounded by the attempt ceiling.
func (s *Scheduler) RetryFailed(ctx context.Context, id string) error {
	err := s.store.Update(ctx, id, func(j *queue.Job) error {
		if j.State != queue.StateFailed {
			return fmt.Errorf("%w: manual retry requires failed state, job %s is %s",
				queue.ErrInvalidTransition, id, j.State)
		}
		if j.AttemptsExhausted() {
			return fmt.Errorf("%w: job %s used %d of %d attempts",
				queue.ErrAttemptsExhausted, id, j.AttemptCount, j.MaxAttempts)
		}
		if err := j.Transition(queue.StatePending, time.Now()); err != nil {
			return err
		}
		j.NotBefore = time.Time{}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Failed job manually re-admitted", slog.String("job_id", id))
	s.poke()
	return nil
}

// Drain blocks until the queue holds no pending or running jobs.
func (s *Scheduler) Drain(ctx context.Context) error {
	ch := s.idleWaiter()

	idle, err := s.isIdle(ctx)
	if err != nil {
		return err
	}
	if idle {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Stats returns a per-state census of the queue.
func (s *Scheduler) Stats(ctx context.Context) (queue.Stats, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return queue.Stats{}, err
	}

	var stats queue.Stats
	for _, job := range jobs {
		stats.Count(job)
	}
	return stats, nil
}

// ClearTerminal removes archived terminal jobs and reports the count.
func (s *Scheduler) ClearTerminal(ctx context.Context) (int, error) {
	return s.store.ClearTerminal(ctx)
}

// Accelerator exposes the cached accelerator class, so the composition layer
// can decide whether GPU-capable runner variants may be wired in.
func (s *Scheduler) Accelerator() monitor.AcceleratorClass {
	return s.budgets.Accelerator()
}

func (s *Scheduler) isIdle(ctx context.Context) (bool, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.Pending == 0 && stats.Running == 0, nil
}
