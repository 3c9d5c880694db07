package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

// Run drives the dispatch loop until ctx is cancelled, then waits for the
// in-flight execution to unwind. Executions inherit ctx, so cancelling it
// also aborts the current poll.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick makes one dispatch decision: if the resource is free, the engine is
// ready, and a job is due, mark it processing and launch the execution.
// Marking processing and claiming the resource happen in the same critical
// section, so at most one job can ever hold processing status.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	if s.current != nil || !s.gate.Ready() {
		s.mu.Unlock()
		return
	}
	job := s.nextEligibleLocked(now.UnixMilli())
	if job == nil {
		s.mu.Unlock()
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	job.Status = model.StatusProcessing
	s.current = &execution{jobID: job.ID, cancel: cancel, started: now}
	jobCopy := *job
	depth := s.scheduledCountLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	queueDepth.Set(float64(depth))
	s.publish(snap)
	s.logger.Info("dispatching job",
		"job_id", jobCopy.ID,
		"time_slot", jobCopy.TimeSlotMS,
		"behind_ms", now.UnixMilli()-jobCopy.TimeSlotMS,
	)

	s.wg.Go(func() { s.execute(execCtx, cancel, jobCopy) })
}

// nextEligibleLocked picks the scheduled job with the smallest slot no
// later than now. Scanning in insertion order with a strict comparison
// makes the tie-break deterministic: first booked wins.
func (s *Scheduler) nextEligibleLocked(nowMS int64) *model.Job {
	var best *model.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status != model.StatusScheduled || job.TimeSlotMS > nowMS {
			continue
		}
		if best == nil || job.TimeSlotMS < best.TimeSlotMS {
			best = job
		}
	}
	return best
}

// execute runs one job end to end: render, submit, poll, finalize. It
// operates on a copy of the job; the live record is only touched under the
// scheduler mutex in finish and the relay-facing setters.
func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, job model.Job) {
	defer cancel()
	start := time.Now()

	g, prefix, err := workflow.Render(s.cfg.Graph, s.cfg.Mapping, renderValues(&job), job.ID)
	if err != nil {
		// A missing or unusable template must not wedge the queue;
		// render with the minimal fallback workflow instead.
		s.logger.Debug("using fallback workflow", "job_id", job.ID, "reason", err)
		g, prefix = workflow.Fallback(renderValues(&job), job.ID)
	}

	corrID, err := s.engine.Submit(ctx, g)
	if err != nil {
		s.finish(job.ID, "", nil, fmt.Errorf("submit: %w", err), start)
		return
	}
	s.setCorrelation(job.ID, corrID)
	s.logger.Info("job submitted", "job_id", job.ID, "correlation_id", corrID, "output_prefix", prefix)

	ref, err := s.poll(ctx, corrID)
	s.finish(job.ID, corrID, ref, err, start)
}

// renderValues merges the job's named parameters with its prompt. The
// prompt field wins over a params entry of the same name.
func renderValues(job *model.Job) map[string]any {
	values := make(map[string]any, len(job.Params)+1)
	for k, v := range job.Params {
		values[k] = v
	}
	values["prompt"] = job.Prompt
	return values
}

// poll queries the engine for completion at a fixed cadence, bounded by
// the attempt budget. Transient poll errors are retried within the budget;
// a finished entry that reports an error fails the job immediately.
func (s *Scheduler) poll(ctx context.Context, correlationID string) (*model.ResultRef, error) {
	var lastErr error

	for attempt := 0; attempt < s.cfg.PollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}

		if !s.gate.Ready() {
			return nil, fmt.Errorf("%w: engine left ready state mid-execution", ErrEngineNotReady)
		}

		ref, done, err := s.engine.History(ctx, correlationID)
		if done {
			if err != nil {
				return nil, err
			}
			return ref, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w (last poll error: %v)", ErrExecutionTimeout, lastErr)
	}
	return nil, ErrExecutionTimeout
}

// setCorrelation attaches the engine's correlation id to the current
// execution so the relay can match push events to the job.
func (s *Scheduler) setCorrelation(jobID, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.jobID == jobID {
		s.current.correlationID = correlationID
	}
}

// finish finalizes one execution: frees the resource, settles the job's
// terminal status if it still exists, and archives the outcome. Every
// execute path ends here exactly once.
func (s *Scheduler) finish(jobID, correlationID string, ref *model.ResultRef, execErr error, start time.Time) {
	duration := time.Since(start)

	s.mu.Lock()
	if s.current != nil && s.current.jobID == jobID {
		s.current = nil
	}

	var rec *model.ExecutionRecord
	job, exists := s.jobs[jobID]
	if exists {
		if execErr != nil {
			job.Status = model.StatusFailed
			job.Error = execErr.Error()
			job.CurrentStage = ""
			jobsTotal.WithLabelValues(model.StatusFailed).Inc()
		} else {
			job.Status = model.StatusCompleted
			job.Result = ref
			job.Progress = &model.Progress{Value: 100, Max: 100}
			job.CurrentStage = ""
			job.Error = ""
			jobsTotal.WithLabelValues(model.StatusCompleted).Inc()
		}
		rec = recordFor(job, correlationID, duration)
	}
	depth := s.scheduledCountLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	queueDepth.Set(float64(depth))
	executionSeconds.Observe(duration.Seconds())
	s.publish(snap)

	switch {
	case !exists:
		s.logger.Info("execution ended for deleted job, outcome discarded", "job_id", jobID)
	case execErr != nil:
		s.logger.Warn("job failed", "job_id", jobID, "error", execErr, "duration_ms", duration.Milliseconds())
	default:
		filename := ""
		if ref != nil {
			filename = ref.Filename
		}
		s.logger.Info("job completed", "job_id", jobID, "result", filename, "duration_ms", duration.Milliseconds())
	}

	if rec != nil && s.archive != nil {
		actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer acancel()
		if err := s.archive.InsertExecution(actx, rec); err != nil {
			s.logger.Error("archive insert failed", "job_id", jobID, "error", err)
		}
	}
}

func recordFor(job *model.Job, correlationID string, duration time.Duration) *model.ExecutionRecord {
	rec := &model.ExecutionRecord{
		JobID:         job.ID,
		Owner:         job.Owner,
		Prompt:        job.Prompt,
		TimeSlotMS:    job.TimeSlotMS,
		Status:        job.Status,
		CorrelationID: correlationID,
		Error:         job.Error,
		DurationMS:    duration.Milliseconds(),
		CreatedAt:     job.CreatedAt,
		FinishedAt:    time.Now().UTC(),
	}
	if job.Result != nil {
		rec.ResultFilename = job.Result.Filename
	}
	return rec
}
