package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/store"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

// Errors returned by booking operations. Handlers map them onto status
// codes with errors.Is, so they must stay stable sentinels.
var (
	ErrNotFound         = errors.New("job not found")
	ErrCollision        = errors.New("time slot collides with an existing booking")
	ErrInvalidState     = errors.New("only scheduled jobs can be moved")
	ErrEngineNotReady   = errors.New("engine is not ready")
	ErrExecutionTimeout = errors.New("execution did not finish within the polling budget")
)

// Engine is the slice of the engine client used to run jobs.
type Engine interface {
	Submit(ctx context.Context, g workflow.Graph) (string, error)
	History(ctx context.Context, correlationID string) (*model.ResultRef, bool, error)
	Interrupt(ctx context.Context) error
}

// EngineGate exposes the supervisor state that gates booking and dispatch.
// SlotDuration is the global D; it is immutable once Ready reports true.
type EngineGate interface {
	Ready() bool
	SlotDuration() time.Duration
	State() model.EngineState
}

// Broadcaster receives an encoded Snapshot after every observable change.
type Broadcaster interface {
	Publish(snapshot []byte)
}

// Snapshot is the full observable state pushed to streaming subscribers.
type Snapshot struct {
	Jobs        []model.Job       `json:"jobs"`
	Engine      model.EngineState `json:"engine"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Config tunes the dispatch loop and carries the workflow template the
// renderer substitutes job parameters into.
type Config struct {
	Tick            time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
	Graph           workflow.Graph
	Mapping         workflow.Mapping
}

// execution tracks the single in-flight run. correlationID is set once the
// engine accepts the submission; cancel aborts the run early.
type execution struct {
	jobID         string
	correlationID string
	cancel        context.CancelFunc
	started       time.Time
}

// Scheduler owns all job state. The mutex guards the job table, insertion
// order, and the current execution slot; check-then-insert for bookings
// happens in one critical section so collisions cannot slip in between.
type Scheduler struct {
	cfg     Config
	engine  Engine
	gate    EngineGate
	archive store.Archive
	bc      Broadcaster
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*model.Job
	order   []string
	current *execution

	wg sync.WaitGroup
}

// New creates a scheduler with an empty queue. archive and bc may be nil;
// archiving and broadcasting are then skipped.
func New(cfg Config, engine Engine, gate EngineGate, archive store.Archive, bc Broadcaster, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 150
	}
	return &Scheduler{
		cfg:     cfg,
		engine:  engine,
		gate:    gate,
		archive: archive,
		bc:      bc,
		logger:  logger,
		jobs:    make(map[string]*model.Job),
	}
}

// AddJob books a new slot. The booking is rejected outright while the
// engine is not ready, since the slot duration D is unknown until
// calibration finishes.
func (s *Scheduler) AddJob(owner string, timeSlotMS int64, prompt string, params map[string]any) (*model.Job, error) {
	if !s.gate.Ready() {
		return nil, ErrEngineNotReady
	}

	s.mu.Lock()
	if err := s.collideLocked(timeSlotMS, ""); err != nil {
		s.mu.Unlock()
		collisionsTotal.Inc()
		return nil, err
	}

	job := &model.Job{
		ID:         model.NewID(),
		Owner:      owner,
		Status:     model.StatusScheduled,
		TimeSlotMS: timeSlotMS,
		Prompt:     prompt,
		Params:     params,
		CreatedAt:  time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)

	out := *job
	depth := s.scheduledCountLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	jobsTotal.WithLabelValues(model.StatusScheduled).Inc()
	queueDepth.Set(float64(depth))
	s.publish(snap)
	s.logger.Info("job booked", "job_id", out.ID, "owner", out.Owner, "time_slot", out.TimeSlotMS)
	return &out, nil
}

// ReorderJob moves a scheduled job to a new slot after re-validating the
// overlap rule against every other live job.
func (s *Scheduler) ReorderJob(id string, newSlotMS int64) (*model.Job, error) {
	if !s.gate.Ready() {
		return nil, ErrEngineNotReady
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if job.Status != model.StatusScheduled {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}
	if err := s.collideLocked(newSlotMS, id); err != nil {
		s.mu.Unlock()
		collisionsTotal.Inc()
		return nil, err
	}

	job.TimeSlotMS = newSlotMS
	out := *job
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	s.logger.Info("job moved", "job_id", id, "time_slot", newSlotMS)
	return &out, nil
}

// DeleteJob removes a job unconditionally. Deleting the job currently
// executing also cancels the run for real: its context is cancelled and
// the engine is told to interrupt, so the resource frees quickly and any
// eventual result is discarded.
func (s *Scheduler) DeleteJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	var cancel context.CancelFunc
	if s.current != nil && s.current.jobID == id {
		cancel = s.current.cancel
	}
	wasProcessing := job.Status == model.StatusProcessing
	depth := s.scheduledCountLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	jobsTotal.WithLabelValues("deleted").Inc()
	queueDepth.Set(float64(depth))

	if cancel != nil {
		cancel()
		go func() {
			ctx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer icancel()
			if err := s.engine.Interrupt(ctx); err != nil {
				s.logger.Warn("interrupt after delete failed", "job_id", id, "error", err)
			}
		}()
	}

	s.publish(snap)
	s.logger.Info("job deleted", "job_id", id, "was_processing", wasProcessing)
	return nil
}

// GetJobs returns a copy of every job, earliest slot first.
func (s *Scheduler) GetJobs() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobListLocked()
}

// GetJob returns a copy of one job.
func (s *Scheduler) GetJob(id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

// Snapshot returns the encoded current state, as pushed to subscribers.
func (s *Scheduler) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// PublishState pushes a fresh snapshot without a queue mutation. Wired to
// supervisor state transitions and the relay heartbeat.
func (s *Scheduler) PublishState() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// CurrentExecution reports the in-flight job and its correlation id, if any.
func (s *Scheduler) CurrentExecution() (jobID, correlationID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", "", false
	}
	return s.current.jobID, s.current.correlationID, true
}

// SetProgress records engine-reported progress on the in-flight job.
func (s *Scheduler) SetProgress(jobID string, value, max int) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != model.StatusProcessing {
		s.mu.Unlock()
		return
	}
	job.Progress = &model.Progress{Value: value, Max: max}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// SetStage records the node label the engine is currently executing.
func (s *Scheduler) SetStage(jobID, stage string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != model.StatusProcessing {
		s.mu.Unlock()
		return
	}
	job.CurrentStage = stage
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// collideLocked applies the half-open overlap rule for a candidate slot
// against every job that still holds resource time. excludeID skips the
// job being moved so it never collides with its own booking.
func (s *Scheduler) collideLocked(slotMS int64, excludeID string) error {
	d := s.gate.SlotDuration().Milliseconds()
	for _, id := range s.order {
		if id == excludeID {
			continue
		}
		other := s.jobs[id]
		if other.Status != model.StatusScheduled && other.Status != model.StatusProcessing {
			continue
		}
		if slotMS < other.TimeSlotMS+d && slotMS+d > other.TimeSlotMS {
			return fmt.Errorf("%w: [%d,%d) overlaps job %s at [%d,%d)",
				ErrCollision, slotMS, slotMS+d, other.ID, other.TimeSlotMS, other.TimeSlotMS+d)
		}
	}
	return nil
}

func (s *Scheduler) jobListLocked() []model.Job {
	jobs := make([]model.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, *s.jobs[id])
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].TimeSlotMS < jobs[j].TimeSlotMS })
	return jobs
}

func (s *Scheduler) scheduledCountLocked() int {
	n := 0
	for _, job := range s.jobs {
		if job.Status == model.StatusScheduled {
			n++
		}
	}
	return n
}

func (s *Scheduler) snapshotLocked() []byte {
	snap := Snapshot{
		Jobs:        s.jobListLocked(),
		Engine:      s.gate.State(),
		GeneratedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("encode snapshot", "error", err)
		return nil
	}
	return data
}

func (s *Scheduler) publish(snapshot []byte) {
	if s.bc != nil && snapshot != nil {
		s.bc.Publish(snapshot)
	}
}
