// Package scheduler contains the resource-aware worker pool: it admits
// pending jobs under the monitor's budget, dispatches them to the runner,
// and applies the retry policy on failure. Admission and bookkeeping run on
// a single goroutine; only job bodies execute in parallel.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vidforge/renderqueue/internal/monitor"
	"github.com/vidforge/renderqueue/internal/queue"
	"github.com/vidforge/renderqueue/internal/store"
)

// BudgetSource yields capacity snapshots. Satisfied by *monitor.Monitor.
type BudgetSource interface {
	Sample(ctx context.Context) monitor.Budget
	Accelerator() monitor.AcceleratorClass
}

// Config wires a Scheduler.
type Config struct {
	Store   store.Store
	Budgets BudgetSource
	Runner  Runner
	Logger  *slog.Logger
	Retry   *RetryPolicy

	// JobTimeout bounds each dispatched attempt. Zero disables the deadline.
	JobTimeout time.Duration
	// DefaultMaxAttempts applies to jobs enqueued without an explicit ceiling.
	DefaultMaxAttempts int
	// KeepAlive keeps Run waiting for new work instead of returning once the
	// queue drains. Used in service mode with the admin API or AMQP ingest.
	KeepAlive bool
	// ResampleInterval is how often the budget is re-checked while admission
	// is blocked on capacity with jobs still waiting.
	ResampleInterval time.Duration
}

// completion is a worker's report back to the admission loop.
type completion struct {
	id     string
	result json.RawMessage
	err    error
}

// Scheduler is the orchestration core.
type Scheduler struct {
	store      store.Store
	budgets    BudgetSource
	runner     Runner
	logger     *slog.Logger
	retry      *RetryPolicy
	jobTimeout time.Duration
	defaultMax int
	keepAlive  bool
	resample   time.Duration

	events chan completion
	wake   chan struct{}

	mu              sync.Mutex
	inflight        map[string]context.CancelFunc
	cancelRequested map[string]bool
	idleWaiters     []chan struct{}
	peakWorkers     int

	wg sync.WaitGroup
}

// New builds a Scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler config: store is required")
	}
	if cfg.Budgets == nil {
		return nil, fmt.Errorf("scheduler config: budget source is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("scheduler config: runner is required")
	}

	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultMax := cfg.DefaultMaxAttempts
	if defaultMax <= 0 {
		defaultMax = 3
	}
	resample := cfg.ResampleInterval
	if resample <= 0 {
		resample = 500 * time.Millisecond
	}

	return &Scheduler{
		store:           cfg.Store,
		budgets:         cfg.Budgets,
		runner:          cfg.Runner,
		logger:          logger,
		retry:           retry,
		jobTimeout:      cfg.JobTimeout,
		defaultMax:      defaultMax,
		keepAlive:       cfg.KeepAlive,
		resample:        resample,
		events:          make(chan completion, 16),
		wake:            make(chan struct{}, 1),
		inflight:        make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
	}, nil
}

// Report summarizes one run.
type Report struct {
	TotalJobs   int           `json:"total_jobs"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	Duration    time.Duration `json:"duration"`
	Throughput  float64       `json:"throughput"`
	PeakWorkers int           `json:"peak_workers"`
}

// Run drives the admission loop until the queue drains (or indefinitely with
// KeepAlive) or ctx is cancelled. A cancelled run still settles every
// in-flight job before returning. Only store-level failures produce an
// error; jobs ending in terminal failed state are reported, not escalated.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	if err := s.recoverOrphans(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("Scheduler started",
		slog.String("accelerator", string(s.budgets.Accelerator())),
		slog.Duration("job_timeout", s.jobTimeout),
		slog.Bool("keep_alive", s.keepAlive),
	)

	var runErr error

loop:
	for {
		if ctx.Err() != nil {
			runErr = s.settle(ctx)
			break
		}

		budget := s.budgets.Sample(ctx)
		now := time.Now()

		jobs, err := s.store.List(ctx)
		if err != nil {
			runErr = err
			break
		}

		var eligible []*queue.Job
		var nextNotBefore time.Time
		for _, job := range jobs {
			if job.State != queue.StatePending {
				continue
			}
			if job.Eligible(now) {
				eligible = append(eligible, job)
			} else if nextNotBefore.IsZero() || job.NotBefore.Before(nextNotBefore) {
				nextNotBefore = job.NotBefore
			}
		}

		slots := budget.MaxWorkers - s.inflightCount()
		admitted := 0
		for _, job := range eligible {
			if admitted >= slots {
				break
			}
			if err := s.dispatch(ctx, job); err != nil {
				if errors.Is(err, queue.ErrInvalidTransition) {
					// Lost a race with a concurrent cancel; skip.
					continue
				}
				runErr = err
				break loop
			}
			admitted++
		}

		inflight := s.inflightCount()
		waiting := len(eligible) - admitted

		if inflight == 0 && waiting == 0 && nextNotBefore.IsZero() {
			s.notifyIdle()
			if !s.keepAlive {
				break
			}
		}

		// Suspend until something can change the picture: a completion, an
		// elapsed backoff, a possible budget increase, or new work.
		var timerC <-chan time.Time
		switch {
		case waiting > 0 && inflight > 0:
			timerC = time.After(s.resample)
		case !nextNotBefore.IsZero():
			d := time.Until(nextNotBefore)
			if d < 0 {
				d = 0
			}
			timerC = time.After(d)
		}

		select {
		case <-ctx.Done():
			// Handled at the top of the loop.
		case ev := <-s.events:
			if runErr = s.handleCompletion(ctx, ev); runErr != nil {
				break loop
			}
		case <-timerC:
		case <-s.wake:
		}
	}

	if runErr != nil {
		s.abandonWorkers()
	}
	s.wg.Wait()
	s.notifyIdle()

	report, reportErr := s.buildReport(ctx, start)
	if runErr == nil {
		runErr = reportErr
	}

	if report != nil {
		s.logger.Info("Scheduler finished",
			slog.Int("total_jobs", report.TotalJobs),
			slog.Int("completed", report.Completed),
			slog.Int("failed", report.Failed),
			slog.Int("cancelled", report.Cancelled),
			slog.Duration("duration", report.Duration),
			slog.Int("peak_workers", report.PeakWorkers),
		)
	}

	return report, runErr
}

// dispatch moves one job into running state and hands it to a worker
// goroutine. The running transition is persisted before the body starts, so
// the store never lags behind execution.
func (s *Scheduler) dispatch(ctx context.Context, job *queue.Job) error {
	now := time.Now()
	var payload json.RawMessage
	if err := s.store.Update(ctx, job.ID, func(j *queue.Job) error {
		if err := j.Transition(queue.StateRunning, now); err != nil {
			return err
		}
		payload = j.Payload
		return nil
	}); err != nil {
		return err
	}

	// Workers are detached from the loop ctx on purpose: global cancellation
	// signals them explicitly so the store is settled in a controlled order.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.inflight[job.ID] = cancel
	if len(s.inflight) > s.peakWorkers {
		s.peakWorkers = len(s.inflight)
	}
	s.mu.Unlock()

	s.logger.Info("Job dispatched",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptCount+1),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	s.wg.Add(1)
	go s.runJob(jobCtx, job.ID, payload)

	return nil
}

// runJob invokes the runner under the job deadline and reports the outcome.
func (s *Scheduler) runJob(ctx context.Context, id string, payload json.RawMessage) {
	defer s.wg.Done()

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	done := make(chan completion, 1)
	go func() {
		result, err := s.runner.Run(ctx, payload)
		done <- completion{id: id, result: result, err: err}
	}()

	select {
	case ev := <-done:
		s.events <- ev
	case <-ctx.Done():
		// Deadline hit or stop requested. The body was signaled through ctx;
		// if it ignores the signal it is abandoned, not force-killed.
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", queue.ErrJobTimeout, s.jobTimeout)
		}
		s.events <- completion{id: id, err: err}
	}
}

// handleCompletion settles one worker report: success, cancellation ack, or
// failure with a retry decision. Store failures bubble up and abort the run.
func (s *Scheduler) handleCompletion(ctx context.Context, ev completion) error {
	s.mu.Lock()
	cancel := s.inflight[ev.id]
	wasCancelled := s.cancelRequested[ev.id]
	delete(s.inflight, ev.id)
	delete(s.cancelRequested, ev.id)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	now := time.Now()

	switch {
	case wasCancelled:
		if err := s.store.Update(ctx, ev.id, func(j *queue.Job) error {
			return j.Transition(queue.StateCancelled, now)
		}); err != nil {
			return err
		}
		s.logger.Info("Job cancelled", slog.String("job_id", ev.id))

	case ev.err == nil:
		if err := s.store.Update(ctx, ev.id, func(j *queue.Job) error {
			if err := j.Transition(queue.StateCompleted, now); err != nil {
				return err
			}
			j.Result = ev.result
			j.LastError = ""
			return nil
		}); err != nil {
			return err
		}
		s.logger.Info("Job completed", slog.String("job_id", ev.id))

	default:
		retryable := s.retry.Retryable(ev.err)
		var retried bool
		var attempt int
		if err := s.store.Update(ctx, ev.id, func(j *queue.Job) error {
			if err := j.Transition(queue.StateFailed, now); err != nil {
				return err
			}
			j.LastError = ev.err.Error()
			attempt = j.AttemptCount
			if retryable && !j.AttemptsExhausted() {
				if err := j.Transition(queue.StatePending, now); err != nil {
					return err
				}
				j.NotBefore = now.Add(s.retry.Backoff(j.AttemptCount))
				retried = true
			}
			return nil
		}); err != nil {
			return err
		}

		if retried {
			s.logger.Warn("Job failed, will retry",
				slog.String("job_id", ev.id),
				slog.Int("attempt", attempt),
				slog.String("error", ev.err.Error()),
			)
		} else {
			s.logger.Error("Job failed permanently",
				slog.String("job_id", ev.id),
				slog.Int("attempt", attempt),
				slog.Bool("retryable_class", retryable),
				slog.String("error", ev.err.Error()),
			)
		}
	}

	return nil
}

// settle runs the global cancellation path: pending jobs become cancelled
// immediately, running jobs are signaled and awaited. Store writes use a
// detached context since the loop ctx is already done.
func (s *Scheduler) settle(ctx context.Context) error {
	sctx := context.WithoutCancel(ctx)

	if err := s.cancelPending(sctx); err != nil {
		return err
	}
	s.signalRunning()

	for s.inflightCount() > 0 {
		ev := <-s.events
		if err := s.handleCompletion(sctx, ev); err != nil {
			return err
		}
	}

	return nil
}

// cancelPending transitions every pending job to cancelled.
func (s *Scheduler) cancelPending(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range jobs {
		if job.State != queue.StatePending {
			continue
		}
		err := s.store.Update(ctx, job.ID, func(j *queue.Job) error {
			if j.State != queue.StatePending {
				return nil
			}
			return j.Transition(queue.StateCancelled, now)
		})
		if err != nil {
			return err
		}
		s.logger.Info("Pending job cancelled", slog.String("job_id", job.ID))
	}

	return nil
}

// signalRunning requests cooperative stop from every in-flight worker.
func (s *Scheduler) signalRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.inflight {
		s.cancelRequested[id] = true
		cancel()
	}
}

// abandonWorkers unblocks in-flight workers after a fatal store error. Their
// outcomes are discarded; the records stay running on disk and are settled
// by orphan recovery on the next start.
func (s *Scheduler) abandonWorkers() {
	s.signalRunning()
	for s.inflightCount() > 0 {
		ev := <-s.events
		s.mu.Lock()
		if cancel := s.inflight[ev.id]; cancel != nil {
			cancel()
		}
		delete(s.inflight, ev.id)
		delete(s.cancelRequested, ev.id)
		s.mu.Unlock()
	}
}

// recoverOrphans settles jobs persisted as running by a previous process.
// No worker can still hold them in a single-process scheduler, so the
// interrupted attempt is recorded as a failure and retried if attempts
// remain.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range jobs {
		if job.State != queue.StateRunning {
			continue
		}
		err := s.store.Update(ctx, job.ID, func(j *queue.Job) error {
			if err := j.Transition(queue.StateFailed, now); err != nil {
				return err
			}
			j.LastError = "interrupted by process restart"
			if !j.AttemptsExhausted() {
				return j.Transition(queue.StatePending, now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Warn("Recovered orphaned running job",
			slog.String("job_id", job.ID),
			slog.Int("attempt_count", job.AttemptCount),
		)
	}

	return nil
}

func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// poke wakes the admission loop after external mutations (enqueue, cancel,
// manual retry).
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notifyIdle releases everyone blocked in Drain or CancelAll.
func (s *Scheduler) notifyIdle() {
	s.mu.Lock()
	waiters := s.idleWaiters
	s.idleWaiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (s *Scheduler) idleWaiter() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.idleWaiters = append(s.idleWaiters, ch)
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) buildReport(ctx context.Context, start time.Time) (*Report, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	settled := stats.Completed + stats.Failed + stats.Cancelled

	report := &Report{
		TotalJobs: stats.Total,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Cancelled: stats.Cancelled,
		Duration:  duration,
	}
	if duration > 0 {
		report.Throughput = float64(settled) / duration.Seconds()
	}

	s.mu.Lock()
	report.PeakWorkers = s.peakWorkers
	s.mu.Unlock()

	return report, nil
}
