// Package relay connects the engine's event stream to the booking queue.
//
// The supervisor pumps raw engine events; the relay correlates them with
// the execution currently holding the resource and turns them into job
// progress updates. Events for other clients or stale executions are
// counted and dropped.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/b2renger/ComfyQ/internal/comfy"
)

const defaultHeartbeat = 5 * time.Second

// JobSink is the slice of the scheduler the relay writes to.
type JobSink interface {
	CurrentExecution() (jobID, correlationID string, ok bool)
	SetProgress(jobID string, value, max int)
	SetStage(jobID, stage string)
	PublishState()
}

// Relay matches engine events to the in-flight job and applies them. It
// satisfies the supervisor's EventListener.
type Relay struct {
	sink      JobSink
	logger    *slog.Logger
	heartbeat time.Duration
}

// New builds a relay writing to sink. A non-positive heartbeat selects
// the default.
func New(sink JobSink, heartbeat time.Duration, logger *slog.Logger) *Relay {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Relay{sink: sink, logger: logger, heartbeat: heartbeat}
}

// HandleEvent applies one engine event to the current execution. It is
// called synchronously from the supervisor's event pump.
func (r *Relay) HandleEvent(ev comfy.Event) {
	switch ev.Type {
	case comfy.EventProgress:
		jobID, ok := r.match(ev)
		if !ok {
			return
		}
		r.sink.SetProgress(jobID, ev.Value, ev.Max)
	case comfy.EventExecuting:
		jobID, ok := r.match(ev)
		if !ok {
			return
		}
		// An empty stage is the engine's end-of-execution marker; the
		// poll loop settles the job, not the event stream.
		if ev.Stage == "" {
			return
		}
		r.sink.SetStage(jobID, ev.Stage)
	case comfy.EventStatus:
		// Engine queue bookkeeping; carries no correlation id.
	default:
		r.logger.Debug("ignoring unmodeled engine event", "type", ev.Type)
	}
}

// match resolves an event's correlation id against the execution that
// currently holds the resource.
func (r *Relay) match(ev comfy.Event) (string, bool) {
	jobID, corrID, ok := r.sink.CurrentExecution()
	if !ok || ev.CorrelationID == "" || ev.CorrelationID != corrID {
		eventsUnmatched.Inc()
		r.logger.Debug("dropping unmatched engine event",
			"type", ev.Type,
			"correlation_id", ev.CorrelationID)
		return "", false
	}
	return jobID, true
}

// Run broadcasts a state snapshot on a fixed heartbeat so stream clients
// see liveness even when the queue is idle. It returns when ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sink.PublishState()
		}
	}
}
