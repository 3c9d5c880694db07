// comfysim runs a standalone simulated ComfyUI engine for local development,
// so the scheduler can be exercised without a GPU.
// Usage: go run ./cmd/comfysim
package main

import (
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/b2renger/ComfyQ/internal/comfysim"
)

func main() {
	addr := ":8188"
	if v := os.Getenv("COMFYSIM_LISTEN_ADDR"); v != "" {
		addr = v
	}

	execDuration := 2 * time.Second
	if v := os.Getenv("COMFYSIM_EXEC_DURATION_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			log.Fatalf("invalid COMFYSIM_EXEC_DURATION_MS: %q", v)
		}
		execDuration = time.Duration(ms) * time.Millisecond
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sim := comfysim.New(comfysim.Config{ExecDuration: execDuration, ProgressSteps: 10}, logger)
	defer sim.Close()

	logger.Info("comfysim: starting", "addr", addr, "exec_duration", execDuration)
	srv := &http.Server{Addr: addr, Handler: sim.Handler()}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
