package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/store"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGate struct {
	mu    sync.Mutex
	ready bool
	slot  time.Duration
}

func newReadyGate(d time.Duration) *fakeGate {
	return &fakeGate{ready: true, slot: d}
}

func (g *fakeGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *fakeGate) SlotDuration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slot
}

func (g *fakeGate) State() model.EngineState {
	g.mu.Lock()
	defer g.mu.Unlock()
	status := model.EngineReady
	if !g.ready {
		status = model.EngineError
	}
	return model.EngineState{Status: status, SlotDurationMS: g.slot.Milliseconds()}
}

func (g *fakeGate) setReady(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = v
}

// fakeEngine completes executions on demand via complete(), or immediately
// when alwaysDone is set.
type fakeEngine struct {
	mu         sync.Mutex
	corrSeq    int
	submits    int
	submitErr  error
	lastGraph  workflow.Graph
	alwaysDone bool
	done       map[string]*model.ResultRef
	interrupts int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{done: make(map[string]*model.ResultRef)}
}

func (f *fakeEngine) Submit(ctx context.Context, g workflow.Graph) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.corrSeq++
	f.submits++
	f.lastGraph = g
	return fmt.Sprintf("corr-%d", f.corrSeq), nil
}

func (f *fakeEngine) History(ctx context.Context, id string) (*model.ResultRef, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alwaysDone {
		return &model.ResultRef{Filename: "out.png"}, true, nil
	}
	if ref, ok := f.done[id]; ok {
		return ref, true, nil
	}
	return nil, false, nil
}

func (f *fakeEngine) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeEngine) complete(corrID, filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[corrID] = &model.ResultRef{Filename: filename}
}

func (f *fakeEngine) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	snaps [][]byte
}

func (b *fakeBroadcaster) Publish(snap []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snaps = append(b.snaps, snap)
}

func (b *fakeBroadcaster) last() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.snaps) == 0 {
		return nil
	}
	return b.snaps[len(b.snaps)-1]
}

func testTemplate() workflow.Graph {
	return workflow.Graph{
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "default"}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "ComfyUI"}},
	}
}

func testMapping() workflow.Mapping {
	return workflow.Mapping{
		"prompt":        {{Node: "6", Field: "text"}},
		"output_prefix": {{Node: "9", Field: "filename_prefix"}},
	}
}

func testConfig() Config {
	return Config{
		Tick:            10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		PollMaxAttempts: 300,
		Graph:           testTemplate(),
		Mapping:         testMapping(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func waitForStatus(t *testing.T, s *Scheduler, id, status string) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		job, err := s.GetJob(id)
		return err == nil && job.Status == status
	}, fmt.Sprintf("job %s to reach %s", id, status))
}

func execContext(t *testing.T, s *Scheduler) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.wg.Wait()
	})
	return ctx
}

func processingCount(s *Scheduler) int {
	n := 0
	for _, j := range s.GetJobs() {
		if j.Status == model.StatusProcessing {
			n++
		}
	}
	return n
}

func TestAddJobCollisionHalfOpen(t *testing.T) {
	gate := newReadyGate(60 * time.Second) // D = 60000ms
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	if _, err := s.AddJob("alice", 1000, "first", nil); err != nil {
		t.Fatalf("AddJob(1000): %v", err)
	}
	if _, err := s.AddJob("bob", 30000, "overlapping", nil); !errors.Is(err, ErrCollision) {
		t.Fatalf("AddJob(30000) err = %v, want ErrCollision", err)
	}
	if got := len(s.GetJobs()); got != 1 {
		t.Errorf("queue length after rejected booking = %d, want 1", got)
	}

	// Half-open intervals: a slot starting exactly at the previous end is
	// adjacent, not overlapping. Same for one ending exactly at the start.
	if _, err := s.AddJob("bob", 61000, "adjacent after", nil); err != nil {
		t.Errorf("AddJob(61000): %v", err)
	}
	if _, err := s.AddJob("carol", -59000, "adjacent before", nil); err != nil {
		t.Errorf("AddJob(-59000): %v", err)
	}

	// GetJobs lists earliest slot first regardless of booking order.
	jobs := s.GetJobs()
	if len(jobs) != 3 {
		t.Fatalf("queue length = %d, want 3", len(jobs))
	}
	if jobs[0].TimeSlotMS != -59000 || jobs[1].TimeSlotMS != 1000 || jobs[2].TimeSlotMS != 61000 {
		t.Errorf("slots = [%d %d %d], want sorted ascending",
			jobs[0].TimeSlotMS, jobs[1].TimeSlotMS, jobs[2].TimeSlotMS)
	}
}

func TestBookingRequiresReadyEngine(t *testing.T) {
	gate := &fakeGate{ready: false}
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	if _, err := s.AddJob("alice", 1000, "too early", nil); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("AddJob err = %v, want ErrEngineNotReady", err)
	}
	if _, err := s.ReorderJob("whatever", 1000); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("ReorderJob err = %v, want ErrEngineNotReady", err)
	}
}

func TestReorderJob(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	a, err := s.AddJob("alice", 1000, "a", nil)
	if err != nil {
		t.Fatalf("AddJob(a): %v", err)
	}
	b, err := s.AddJob("bob", 61000, "b", nil)
	if err != nil {
		t.Fatalf("AddJob(b): %v", err)
	}

	// Moving b onto a's interval is rejected and leaves b untouched.
	if _, err := s.ReorderJob(b.ID, 30000); !errors.Is(err, ErrCollision) {
		t.Fatalf("ReorderJob collision err = %v, want ErrCollision", err)
	}
	got, _ := s.GetJob(b.ID)
	if got.TimeSlotMS != 61000 {
		t.Errorf("rejected move mutated slot: %d", got.TimeSlotMS)
	}

	// A move that only overlaps the job's own previous slot is fine.
	if _, err := s.ReorderJob(a.ID, 500); err != nil {
		t.Errorf("ReorderJob(a, 500): %v", err)
	}
	got, _ = s.GetJob(a.ID)
	if got.TimeSlotMS != 500 {
		t.Errorf("slot after move = %d, want 500", got.TimeSlotMS)
	}

	if _, err := s.ReorderJob("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReorderJob unknown id err = %v, want ErrNotFound", err)
	}
}

func TestReorderRejectsProcessingJob(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	job, err := s.AddJob("alice", now-60000, "in flight", nil)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.tick(execContext(t, s))
	if got, _ := s.GetJob(job.ID); got.Status != model.StatusProcessing {
		t.Fatalf("status after tick = %s, want processing", got.Status)
	}

	if _, err := s.ReorderJob(job.ID, now+600000); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ReorderJob on processing job err = %v, want ErrInvalidState", err)
	}
}

func TestDispatchPicksEarliestEligible(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	later, _ := s.AddJob("alice", now-60000, "later slot, booked first", nil)
	earlier, _ := s.AddJob("bob", now-240000, "earlier slot, booked second", nil)

	s.tick(execContext(t, s))

	if job, _ := s.GetJob(earlier.ID); job.Status != model.StatusProcessing {
		t.Errorf("earliest job = %s, want processing", job.Status)
	}
	if job, _ := s.GetJob(later.ID); job.Status != model.StatusScheduled {
		t.Errorf("later job = %s, want scheduled", job.Status)
	}
}

func TestSerializedDispatch(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	eng := newFakeEngine()
	s := New(testConfig(), eng, gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	first, _ := s.AddJob("alice", now-180000, "first", nil)
	second, _ := s.AddJob("bob", now-60000, "second", nil)

	ctx := execContext(t, s)
	s.tick(ctx)

	if job, _ := s.GetJob(first.ID); job.Status != model.StatusProcessing {
		t.Fatalf("first job = %s, want processing", job.Status)
	}

	// Both slots are long past, but the resource is busy: ticks must not
	// start the second job while the first still runs.
	s.tick(ctx)
	s.tick(ctx)
	if job, _ := s.GetJob(second.ID); job.Status != model.StatusScheduled {
		t.Fatalf("second job = %s, want scheduled while resource busy", job.Status)
	}
	if n := processingCount(s); n != 1 {
		t.Errorf("processing count = %d, want 1", n)
	}

	eng.complete("corr-1", "first.png")
	waitForStatus(t, s, first.ID, model.StatusCompleted)

	s.tick(ctx)
	waitForStatus(t, s, second.ID, model.StatusProcessing)
	eng.complete("corr-2", "second.png")
	waitForStatus(t, s, second.ID, model.StatusCompleted)
}

func TestBookingCollidesWithProcessingJob(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	if _, err := s.AddJob("alice", now-5000, "running", nil); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.tick(execContext(t, s))

	// The in-flight job still owns [now-5000, now+55000).
	if _, err := s.AddJob("bob", now, "inside busy interval", nil); !errors.Is(err, ErrCollision) {
		t.Errorf("AddJob inside processing interval err = %v, want ErrCollision", err)
	}
	if _, err := s.AddJob("bob", now+56000, "after busy interval", nil); err != nil {
		t.Errorf("AddJob after processing interval: %v", err)
	}
}

func TestPollBudgetExhaustionFailsJobAndFreesResource(t *testing.T) {
	cfg := testConfig()
	cfg.PollMaxAttempts = 3
	gate := newReadyGate(60 * time.Second)
	s := New(cfg, newFakeEngine(), gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	first, _ := s.AddJob("alice", now-180000, "stalls forever", nil)
	second, _ := s.AddJob("bob", now-60000, "waits its turn", nil)

	ctx := execContext(t, s)
	s.tick(ctx)
	waitForStatus(t, s, first.ID, model.StatusFailed)

	job, _ := s.GetJob(first.ID)
	if !strings.Contains(job.Error, "polling budget") {
		t.Errorf("failed job error = %q, want polling budget mention", job.Error)
	}
	if job.Result != nil {
		t.Error("failed job must not carry a result")
	}

	// The resource is free again; the next tick dispatches the next job.
	s.tick(ctx)
	if j, _ := s.GetJob(second.ID); j.Status != model.StatusProcessing {
		t.Errorf("second job = %s, want processing after resource freed", j.Status)
	}
}

func TestPollAbortsWhenEngineLeavesReady(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	job, _ := s.AddJob("alice", now-60000, "orphaned by engine death", nil)

	s.tick(execContext(t, s))
	gate.setReady(false)

	waitForStatus(t, s, job.ID, model.StatusFailed)
	got, _ := s.GetJob(job.ID)
	if !strings.Contains(got.Error, "engine") {
		t.Errorf("failure cause = %q, want engine mention", got.Error)
	}
}

func TestDeleteScheduledJob(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	eng := newFakeEngine()
	s := New(testConfig(), eng, gate, nil, nil, discardLogger())

	job, _ := s.AddJob("alice", 1000, "never runs", nil)
	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(job.ID); !errors.Is(err, ErrNotFound) {
		t.Error("deleted job still present")
	}
	if err := s.DeleteJob(job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if n := eng.interruptCount(); n != 0 {
		t.Errorf("interrupts = %d, want 0 for scheduled delete", n)
	}
}

func TestDeleteProcessingJobCancelsRun(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	eng := newFakeEngine()
	s := New(testConfig(), eng, gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	job, _ := s.AddJob("alice", now-60000, "doomed", nil)

	s.tick(execContext(t, s))
	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	if _, err := s.GetJob(job.ID); !errors.Is(err, ErrNotFound) {
		t.Error("deleted job still present")
	}
	waitFor(t, 3*time.Second, func() bool {
		_, _, ok := s.CurrentExecution()
		return !ok
	}, "resource freed after delete")
	waitFor(t, 3*time.Second, func() bool {
		return eng.interruptCount() == 1
	}, "engine interrupted")

	if n := len(s.GetJobs()); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestExecuteFallsBackWhenRenderFails(t *testing.T) {
	cfg := testConfig()
	cfg.Graph = nil // no template: render fails, fallback must carry the run
	eng := newFakeEngine()
	eng.alwaysDone = true
	gate := newReadyGate(60 * time.Second)
	s := New(cfg, eng, gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	job, _ := s.AddJob("alice", now-60000, "a red balloon", nil)

	s.tick(execContext(t, s))
	waitForStatus(t, s, job.ID, model.StatusCompleted)

	eng.mu.Lock()
	g := eng.lastGraph
	eng.mu.Unlock()

	found := false
	for _, node := range g {
		if node.ClassType == "CLIPTextEncode" {
			if txt, _ := node.Inputs["text"].(string); txt == "a red balloon" {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("fallback graph does not carry the prompt: %+v", g)
	}
}

func TestCompletionSettlesJobAndArchives(t *testing.T) {
	archive, err := store.NewSQLiteArchive(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteArchive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	bc := &fakeBroadcaster{}
	eng := newFakeEngine()
	eng.alwaysDone = true
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), eng, gate, archive, bc, discardLogger())

	now := time.Now().UnixMilli()
	job, _ := s.AddJob("alice", now-60000, "archived run", map[string]any{"seed": 7})

	s.tick(execContext(t, s))
	waitForStatus(t, s, job.ID, model.StatusCompleted)

	got, _ := s.GetJob(job.ID)
	if got.Result == nil || got.Result.Filename != "out.png" {
		t.Errorf("result = %+v, want out.png", got.Result)
	}
	if got.Progress == nil || got.Progress.Value != 100 || got.Progress.Max != 100 {
		t.Errorf("progress = %+v, want 100/100", got.Progress)
	}

	waitFor(t, 3*time.Second, func() bool {
		recs, _, err := archive.ListExecutions(context.Background(), 10, 0)
		return err == nil && len(recs) == 1
	}, "execution archived")

	recs, _, _ := archive.ListExecutions(context.Background(), 10, 0)
	rec := recs[0]
	if rec.JobID != job.ID || rec.Status != model.StatusCompleted || rec.ResultFilename != "out.png" {
		t.Errorf("archived record = %+v", rec)
	}
	if rec.Owner != "alice" || rec.Prompt != "archived run" {
		t.Errorf("record provenance = %q/%q", rec.Owner, rec.Prompt)
	}

	var snap Snapshot
	if err := json.Unmarshal(bc.last(), &snap); err != nil {
		t.Fatalf("decode last snapshot: %v", err)
	}
	if len(snap.Jobs) != 1 || snap.Jobs[0].Status != model.StatusCompleted {
		t.Errorf("last snapshot jobs = %+v", snap.Jobs)
	}
	if snap.Engine.Status != model.EngineReady {
		t.Errorf("snapshot engine status = %q", snap.Engine.Status)
	}
}

func TestProgressUpdatesOnlyTouchProcessingJobs(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	job, _ := s.AddJob("alice", 1000, "still scheduled", nil)

	// No execution in flight: progress and stage writes are dropped.
	s.SetProgress(job.ID, 5, 20)
	s.SetStage(job.ID, "KSampler")

	got, _ := s.GetJob(job.ID)
	if got.Progress != nil || got.CurrentStage != "" {
		t.Errorf("scheduled job mutated: progress=%+v stage=%q", got.Progress, got.CurrentStage)
	}
}

func TestProgressUpdatesVisibleWhileProcessing(t *testing.T) {
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), newFakeEngine(), gate, nil, nil, discardLogger())

	now := time.Now().UnixMilli()
	job, _ := s.AddJob("alice", now-60000, "tracks progress", nil)

	s.tick(execContext(t, s))

	jobID, corrID, ok := s.CurrentExecution()
	if !ok || jobID != job.ID {
		t.Fatalf("CurrentExecution = (%q, %q, %v), want job %s", jobID, corrID, ok, job.ID)
	}
	waitFor(t, 3*time.Second, func() bool {
		_, corr, ok := s.CurrentExecution()
		return ok && corr != ""
	}, "correlation id attached")

	s.SetProgress(job.ID, 7, 20)
	s.SetStage(job.ID, "KSampler")

	got, _ := s.GetJob(job.ID)
	if got.Progress == nil || got.Progress.Value != 7 || got.Progress.Max != 20 {
		t.Errorf("progress = %+v, want 7/20", got.Progress)
	}
	if got.CurrentStage != "KSampler" {
		t.Errorf("stage = %q, want KSampler", got.CurrentStage)
	}
}

func TestRunLoopDispatches(t *testing.T) {
	eng := newFakeEngine()
	eng.alwaysDone = true
	gate := newReadyGate(60 * time.Second)
	s := New(testConfig(), eng, gate, nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	now := time.Now().UnixMilli()
	job, _ := s.AddJob("alice", now-60000, "via run loop", nil)
	waitForStatus(t, s, job.ID, model.StatusCompleted)
}
