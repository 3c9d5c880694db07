// Package supervisor owns the generation engine child process: it spawns
// the engine, waits for its HTTP surface to answer, calibrates the global
// slot duration with a timed warmup run, and keeps the push event channel
// alive for as long as the process lives.
//
// The lifecycle is a one-way street: booting, then ready, then error. An
// engine that dies stays dead; operators restart the whole service rather
// than have the supervisor resurrect a GPU process in an unknown state.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/b2renger/ComfyQ/internal/comfy"
	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

const (
	// slotMargin pads the measured warmup duration so real runs with
	// slightly heavier prompts still fit inside one slot.
	slotMargin = 1.25

	// minSlotDuration is the floor for the calibrated slot. Sub-second
	// slots would make collisions trivially easy to hit on wall clocks.
	minSlotDuration = time.Second

	// Event stream redial backoff bounds. The stream is redialed for as
	// long as the engine process is alive.
	redialBase = 250 * time.Millisecond
	redialMax  = 10 * time.Second

	// shutdownGrace is how long the engine gets to exit after SIGTERM
	// before it is killed.
	shutdownGrace = 5 * time.Second
)

// ErrInvalidConfig marks boot failures caused by bad engine paths, caught
// before any process is spawned.
var ErrInvalidConfig = fmt.Errorf("invalid engine configuration")

// EngineClient is the slice of the engine protocol client the supervisor
// drives: health probing, the warmup submission, and the push channel.
type EngineClient interface {
	Health(ctx context.Context) error
	Submit(ctx context.Context, g workflow.Graph) (string, error)
	History(ctx context.Context, correlationID string) (*model.ResultRef, bool, error)
	DialEvents(ctx context.Context) (EventSource, error)
}

// EventSource is one live subscription to the engine's push channel.
type EventSource interface {
	Next(ctx context.Context) (comfy.Event, error)
	Close() error
}

type clientAdapter struct{ *comfy.Client }

func (a clientAdapter) DialEvents(ctx context.Context) (EventSource, error) {
	return a.Client.DialEvents(ctx)
}

// AdaptClient exposes a comfy.Client through the EngineClient interface.
func AdaptClient(c *comfy.Client) EngineClient { return clientAdapter{c} }

// EventListener receives every decoded engine push event, in arrival order,
// from the supervisor's pump goroutine.
type EventListener interface {
	HandleEvent(ev comfy.Event)
}

// Config carries everything needed to launch and calibrate the engine.
type Config struct {
	// Bin is the engine executable. Empty means attach mode: the engine
	// is assumed to be already running at Host:Port and is not spawned
	// or torn down by us.
	Bin  string
	Args []string
	Dir  string

	Host string
	Port int

	// ReadyTimeout bounds health polling after spawn; WarmupTimeout
	// bounds the calibration run, which includes first model load.
	ReadyTimeout  time.Duration
	WarmupTimeout time.Duration
	PollInterval  time.Duration

	// WarmupGraph is the pre-rendered workflow submitted for calibration.
	WarmupGraph workflow.Graph
}

// Supervisor drives the engine process through booting, calibration, and
// steady-state event pumping. All exported methods are safe for concurrent
// use once Boot has been called.
type Supervisor struct {
	cfg      Config
	client   EngineClient
	logger   *slog.Logger
	listener EventListener
	notify   func()

	mu           sync.Mutex
	status       string
	slotDuration time.Duration
	lastError    string
	stopping     bool

	cmd      *exec.Cmd
	procDone chan struct{}
	procErr  error

	pumpStop context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a supervisor in the booting state. Call SetEventListener and
// SetNotify before Boot; they are not safe to change afterwards.
func New(cfg Config, client EngineClient, logger *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = 5 * time.Minute
	}
	return &Supervisor{
		cfg:    cfg,
		client: client,
		logger: logger,
		status: model.EngineBooting,
	}
}

// SetEventListener registers the consumer of engine push events.
func (s *Supervisor) SetEventListener(l EventListener) { s.listener = l }

// SetNotify registers a hook invoked after every engine state transition,
// so state watchers can re-publish without polling.
func (s *Supervisor) SetNotify(fn func()) { s.notify = fn }

// State returns the current engine state snapshot.
func (s *Supervisor) State() model.EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.EngineState{
		Status:         s.status,
		SlotDurationMS: s.slotDuration.Milliseconds(),
		Error:          s.lastError,
	}
}

// Ready reports whether the engine is accepting work.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == model.EngineReady
}

// SlotDuration returns the calibrated slot duration D. Zero until Ready.
func (s *Supervisor) SlotDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotDuration
}

// Boot runs the full startup sequence: spawn (unless attaching), wait for
// the engine's HTTP surface, connect the event stream, then calibrate the
// slot duration. It blocks until the engine is ready or the boot has
// failed; a boot failure leaves the supervisor in the terminal error state.
func (s *Supervisor) Boot(ctx context.Context) error {
	if err := s.validate(); err != nil {
		s.fail(err.Error())
		return err
	}

	if err := s.spawn(); err != nil {
		s.fail(fmt.Sprintf("spawn engine: %v", err))
		return err
	}

	if err := s.waitHealthy(ctx); err != nil {
		s.fail(fmt.Sprintf("engine never became healthy: %v", err))
		return err
	}
	s.logger.Info("engine answering", "host", s.cfg.Host, "port", s.cfg.Port)

	// The pump starts before calibration so the warmup run's events flow
	// through the same path live jobs use. The relay drops them as
	// unmatched; completion is detected by polling either way.
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.pumpStop = cancel
	s.wg.Go(func() { s.pump(pumpCtx) })

	measured, err := s.calibrate(ctx)
	if err != nil {
		cancel()
		s.fail(fmt.Sprintf("calibration: %v", err))
		return err
	}

	slot := slotDurationFor(measured)
	s.mu.Lock()
	s.status = model.EngineReady
	s.slotDuration = slot
	s.mu.Unlock()

	engineUp.Set(1)
	calibrationSeconds.Observe(measured.Seconds())
	s.logger.Info("engine ready",
		"warmup_ms", measured.Milliseconds(),
		"slot_duration_ms", slot.Milliseconds(),
	)
	s.changed()

	return nil
}

// validate checks the configured paths before anything is spawned. Attach
// mode has nothing to check.
func (s *Supervisor) validate() error {
	if s.cfg.Bin == "" {
		return nil
	}
	if _, err := exec.LookPath(s.cfg.Bin); err != nil {
		return fmt.Errorf("%w: engine binary %q: %v", ErrInvalidConfig, s.cfg.Bin, err)
	}
	if s.cfg.Dir != "" {
		info, err := os.Stat(s.cfg.Dir)
		if err != nil {
			return fmt.Errorf("%w: engine directory %q: %v", ErrInvalidConfig, s.cfg.Dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: engine directory %q is not a directory", ErrInvalidConfig, s.cfg.Dir)
		}
	}
	return nil
}

// spawn launches the engine child process and starts the exit monitor.
// In attach mode it does nothing. The child is intentionally not tied to
// the boot context; it outlives Boot and is only stopped by Shutdown.
func (s *Supervisor) spawn() error {
	if s.cfg.Bin == "" {
		s.logger.Info("no engine binary configured, attaching to running engine",
			"host", s.cfg.Host, "port", s.cfg.Port)
		return nil
	}

	args := append([]string{}, s.cfg.Args...)
	args = append(args, "--listen", s.cfg.Host, "--port", strconv.Itoa(s.cfg.Port))

	cmd := exec.Command(s.cfg.Bin, args...)
	cmd.Dir = s.cfg.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Bin, err)
	}

	s.cmd = cmd
	s.procDone = make(chan struct{})
	s.logger.Info("engine process started", "pid", cmd.Process.Pid, "bin", s.cfg.Bin)

	var fwd sync.WaitGroup
	fwd.Go(func() { s.forwardOutput("stdout", stdout) })
	fwd.Go(func() { s.forwardOutput("stderr", stderr) })

	// Exit monitor. The pipes must hit EOF before Wait so no output is
	// lost to Wait closing them. Whatever the exit reason, a dead engine
	// is terminal.
	go func() {
		fwd.Wait()
		err := cmd.Wait()
		s.procErr = err
		close(s.procDone)

		s.mu.Lock()
		expected := s.stopping
		s.mu.Unlock()
		if expected {
			s.logger.Info("engine process exited", "error", err)
			return
		}
		if err != nil {
			s.fail(fmt.Sprintf("engine process exited: %v", err))
		} else {
			s.fail("engine process exited")
		}
	}()

	return nil
}

// forwardOutput relays one engine output stream into our log at debug level.
func (s *Supervisor) forwardOutput(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.logger.Debug("engine output", "stream", stream, "line", sc.Text())
	}
}

// waitHealthy polls the engine's health endpoint until it answers, the
// ready budget runs out, or the process dies.
func (s *Supervisor) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval*4)
		err := s.client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.procDone:
			return fmt.Errorf("engine process exited during boot: %v", s.procErr)
		case <-time.After(s.cfg.PollInterval):
		}
	}

	return fmt.Errorf("not healthy after %s: %w", s.cfg.ReadyTimeout, lastErr)
}

// calibrate submits the warmup workflow and times it to completion. The
// measurement deliberately includes queue and model-load overhead, since
// booked slots pay those costs too.
func (s *Supervisor) calibrate(ctx context.Context) (time.Duration, error) {
	if len(s.cfg.WarmupGraph) == 0 {
		return 0, fmt.Errorf("no warmup workflow configured")
	}

	start := time.Now()
	corrID, err := s.client.Submit(ctx, s.cfg.WarmupGraph)
	if err != nil {
		return 0, fmt.Errorf("submit warmup: %w", err)
	}
	s.logger.Info("warmup submitted", "correlation_id", corrID)

	deadline := time.Now().Add(s.cfg.WarmupTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.procDone:
			return 0, fmt.Errorf("engine process exited during warmup: %v", s.procErr)
		case <-time.After(s.cfg.PollInterval):
		}

		pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval*4)
		_, done, err := s.client.History(pollCtx, corrID)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("warmup history: %w", err)
		}
		if done {
			return time.Since(start), nil
		}
	}

	return 0, fmt.Errorf("warmup did not finish within %s", s.cfg.WarmupTimeout)
}

// slotDurationFor converts a measured warmup run into the global slot
// duration: the measurement padded by the margin, rounded up to a whole
// millisecond, and never below the floor.
func slotDurationFor(measured time.Duration) time.Duration {
	ms := math.Ceil(float64(measured) * slotMargin / float64(time.Millisecond))
	d := time.Duration(ms) * time.Millisecond
	if d < minSlotDuration {
		return minSlotDuration
	}
	return d
}

// pump keeps one event stream subscription alive, redialing with capped
// backoff after drops, until the pump is stopped or the process dies.
func (s *Supervisor) pump(ctx context.Context) {
	backoff := redialBase

	for {
		if ctx.Err() != nil || s.processExited() {
			return
		}

		es, err := s.client.DialEvents(ctx)
		if err != nil {
			s.logger.Warn("event stream dial failed", "error", err, "retry_in", backoff)
			eventReconnects.Inc()
			select {
			case <-ctx.Done():
				return
			case <-s.procDone:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, redialMax)
			continue
		}

		backoff = redialBase
		s.logger.Debug("event stream connected")
		s.drain(ctx, es)
	}
}

// drain reads one stream until it errors, forwarding events to the listener.
func (s *Supervisor) drain(ctx context.Context, es EventSource) {
	defer es.Close()

	for {
		ev, err := es.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("event stream lost", "error", err)
			}
			return
		}
		eventsTotal.WithLabelValues(string(ev.Type)).Inc()
		if s.listener != nil {
			s.listener.HandleEvent(ev)
		}
	}
}

func (s *Supervisor) processExited() bool {
	select {
	case <-s.procDone:
		return true
	default:
		return false
	}
}

// fail moves the supervisor into the terminal error state.
func (s *Supervisor) fail(cause string) {
	s.mu.Lock()
	alreadyFailed := s.status == model.EngineError
	s.status = model.EngineError
	if s.lastError == "" {
		s.lastError = cause
	}
	s.mu.Unlock()

	engineUp.Set(0)
	if !alreadyFailed {
		s.logger.Error("engine entered error state", "cause", cause)
		s.changed()
	}
}

func (s *Supervisor) changed() {
	if s.notify != nil {
		s.notify()
	}
}

// Shutdown stops the event pump and terminates the engine process, giving
// it a grace period after SIGTERM before killing it.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.pumpStop != nil {
		s.pumpStop()
	}

	if s.cmd != nil && s.cmd.Process != nil && !s.processExited() {
		s.logger.Info("stopping engine process", "pid", s.cmd.Process.Pid)
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("SIGTERM failed", "error", err)
		}

		select {
		case <-s.procDone:
		case <-time.After(shutdownGrace):
			s.logger.Warn("engine ignored SIGTERM, killing")
			if err := s.cmd.Process.Kill(); err != nil {
				s.logger.Debug("kill failed", "error", err)
			}
			<-s.procDone
		case <-ctx.Done():
			s.cmd.Process.Kill()
			<-s.procDone
		}
	}

	s.wg.Wait()
	engineUp.Set(0)
}
