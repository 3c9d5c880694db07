// Package comfysim provides an in-process stand-in for a ComfyUI engine.
//
// It speaks just enough of the engine's HTTP and websocket surface for the
// supervisor, scheduler, and relay to run against: prompt submission,
// history polling, health, interrupt, and the progress event stream.
// Executions finish on a configurable timer with a configurable number of
// progress events in between.
package comfysim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

const (
	defaultExecDuration  = 200 * time.Millisecond
	defaultProgressSteps = 4
	subscriberBuffer     = 32
)

// Config shapes the simulated engine's behavior.
type Config struct {
	// ExecDuration is the wall time a submitted prompt takes to finish.
	ExecDuration time.Duration
	// ProgressSteps is the number of progress events emitted per run.
	ProgressSteps int
}

type execution struct {
	done      bool
	completed bool
	stopped   bool
	stop      chan struct{}
	result    *model.ResultRef
}

// Sim is a simulated ComfyUI engine. Zero-value Config fields fall back
// to fast defaults suitable for tests.
type Sim struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	seq     int
	execs   map[string]*execution
	subs    map[int]chan []byte
	nextSub int
	closed  bool
}

// New builds a simulated engine.
func New(cfg Config, logger *slog.Logger) *Sim {
	if cfg.ExecDuration <= 0 {
		cfg.ExecDuration = defaultExecDuration
	}
	if cfg.ProgressSteps <= 0 {
		cfg.ProgressSteps = defaultProgressSteps
	}
	return &Sim{
		cfg:    cfg,
		logger: logger,
		execs:  make(map[string]*execution),
		subs:   make(map[int]chan []byte),
	}
}

// Handler returns the engine's HTTP surface.
func (s *Sim) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/prompt", s.handlePrompt)
	r.Get("/history/{id}", s.handleHistory)
	r.Get("/system_stats", s.handleStats)
	r.Post("/interrupt", s.handleInterrupt)
	r.Get("/ws", s.handleWS)
	return r
}

// Close stops every running execution and disconnects event subscribers.
func (s *Sim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ex := range s.execs {
		if !ex.done && !ex.stopped {
			ex.stopped = true
			close(ex.stop)
		}
	}
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Sim) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   workflow.Graph `json:"prompt"`
		ClientID string         `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Prompt) == 0 {
		http.Error(w, `{"error":{"type":"invalid_prompt","message":"prompt is empty or malformed"}}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	number := s.seq
	id := uuid.NewString()
	ex := &execution{stop: make(chan struct{})}
	s.execs[id] = ex
	s.mu.Unlock()

	go s.run(id, ex, outputPrefix(req.Prompt))

	s.logger.Debug("comfysim: prompt accepted", "prompt_id", id, "client_id", req.ClientID)
	writeJSON(w, map[string]any{"prompt_id": id, "number": number})
}

func (s *Sim) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	ex, ok := s.execs[id]
	var (
		done   bool
		result *model.ResultRef
	)
	if ok {
		done = ex.done
		result = ex.result
	}
	s.mu.Unlock()

	// In-flight prompts have no history entry yet.
	if !ok || !done {
		writeJSON(w, map[string]any{})
		return
	}

	outputs := map[string]any{}
	statusStr := "interrupted"
	if result != nil {
		outputs["9"] = map[string]any{"images": []model.ResultRef{*result}}
		statusStr = "success"
	}
	writeJSON(w, map[string]any{
		id: map[string]any{
			"outputs": outputs,
			"status":  map[string]any{"completed": result != nil, "status_str": statusStr},
		},
	})
}

func (s *Sim) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"system": map[string]any{
			"os":              runtime.GOOS,
			"comfyui_version": "0.3.0-sim",
			"python_version":  "3.12.0",
		},
		"devices": []map[string]any{
			{"name": "sim-gpu", "type": "cuda", "vram_total": 8 << 30},
		},
	})
}

func (s *Sim) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	for id, ex := range s.execs {
		if !ex.done && !ex.stopped {
			ex.stopped = true
			close(ex.stop)
			s.logger.Debug("comfysim: interrupted", "prompt_id", id)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Sim) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream torn down")

	id, ch := s.subscribe()
	defer s.unsubscribe(id)

	ctx := r.Context()

	// The real engine greets every connection with a status frame.
	greeting := marshalEvent("status", map[string]any{
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}},
	})
	if err := conn.Write(ctx, websocket.MessageText, greeting); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "engine shutting down")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// run plays out one execution: a stage announcement, ProgressSteps progress
// events spread over ExecDuration, then the history entry and end marker.
func (s *Sim) run(id string, ex *execution, prefix string) {
	steps := s.cfg.ProgressSteps
	interval := s.cfg.ExecDuration / time.Duration(steps)

	s.broadcast(marshalEvent("executing", map[string]any{
		"node": "3", "display_node": "KSampler", "prompt_id": id,
	}))

	for i := 1; i <= steps; i++ {
		select {
		case <-ex.stop:
			s.settle(id, ex, "")
			return
		case <-time.After(interval):
		}
		s.broadcast(marshalEvent("progress", map[string]any{
			"value": i, "max": steps, "prompt_id": id,
		}))
	}

	s.settle(id, ex, fmt.Sprintf("%s_00001_.png", prefix))
	s.broadcast(marshalEvent("executing", map[string]any{
		"node": nil, "prompt_id": id,
	}))
}

// settle records the outcome; an empty filename means the run was
// interrupted and produced no output.
func (s *Sim) settle(id string, ex *execution, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex.done = true
	if filename != "" {
		ex.completed = true
		ex.result = &model.ResultRef{Filename: filename, Type: "output"}
	}
	s.logger.Debug("comfysim: execution settled", "prompt_id", id, "completed", ex.completed)
}

func (s *Sim) subscribe() (int, chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, subscriberBuffer)
	if s.closed {
		close(ch)
		return 0, ch
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return id, ch
}

func (s *Sim) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// broadcast fans a frame out to every subscriber, dropping for slow ones
// so executions never stall on a stuck client.
func (s *Sim) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// outputPrefix digs the SaveImage filename prefix out of a submitted graph
// so simulated outputs carry the caller's naming, like the real engine.
func outputPrefix(g workflow.Graph) string {
	for _, n := range g {
		if n.ClassType != "SaveImage" {
			continue
		}
		if p, ok := n.Inputs["filename_prefix"].(string); ok && p != "" {
			return p
		}
	}
	return "ComfyUI"
}

func marshalEvent(typ string, data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{"type": typ, "data": data})
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
