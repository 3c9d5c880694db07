package model

import "time"

// Job status constants.
const (
	StatusScheduled  = "scheduled"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Engine status constants.
const (
	EngineBooting = "booting"
	EngineReady   = "ready"
	EngineError   = "error"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Deleting a job is a removal, not a transition, so it does not appear here.
var validTransitions = map[string]map[string]bool{
	StatusScheduled: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Progress is the engine-reported completion state of a running job.
type Progress struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// ResultRef points at a generated output on the engine side. The engine
// serves the file; ComfyQ only stores the reference.
type ResultRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Job represents one booked generation run on the shared GPU. A job occupies
// the half-open interval [TimeSlotMS, TimeSlotMS+D) where D is the calibrated
// slot duration shared by every job.
type Job struct {
	ID           string         `json:"id"`
	Owner        string         `json:"owner"`
	Status       string         `json:"status"`
	TimeSlotMS   int64          `json:"time_slot"`
	Prompt       string         `json:"prompt"`
	Params       map[string]any `json:"params,omitempty"`
	Result       *ResultRef     `json:"result,omitempty"`
	Progress     *Progress      `json:"progress,omitempty"`
	CurrentStage string         `json:"current_stage,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EngineState is the supervisor-owned view of the generation engine. The
// scheduler reads it to learn the slot duration D and whether dispatch is
// permitted. Error carries the cause once Status is EngineError.
type EngineState struct {
	Status         string `json:"status"`
	SlotDurationMS int64  `json:"slot_duration_ms"`
	Error          string `json:"error,omitempty"`
}

// ExecutionRecord is the archived trace of a finished job. Records are
// append-only and never feed back into scheduling decisions.
type ExecutionRecord struct {
	ID             int64     `json:"id"`
	JobID          string    `json:"job_id"`
	Owner          string    `json:"owner"`
	Prompt         string    `json:"prompt"`
	TimeSlotMS     int64     `json:"time_slot"`
	Status         string    `json:"status"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	ResultFilename string    `json:"result_filename,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
