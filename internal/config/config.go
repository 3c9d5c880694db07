package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultArchivePath  = "comfyq.db"
	defaultEngineHost   = "127.0.0.1"
	defaultEnginePort   = 8188
	defaultWarmupPrompt = "calibration warmup"
	defaultReadyTimeout = 60 * time.Second

	envListenAddr   = "COMFYQ_LISTEN_ADDR"
	envLogLevel     = "COMFYQ_LOG_LEVEL"
	envArchivePath  = "COMFYQ_ARCHIVE_PATH"
	envEngineBin    = "COMFYQ_ENGINE_BIN"
	envEngineArgs   = "COMFYQ_ENGINE_ARGS"
	envEngineDir    = "COMFYQ_ENGINE_DIR"
	envEngineHost   = "COMFYQ_ENGINE_HOST"
	envEnginePort   = "COMFYQ_ENGINE_PORT"
	envWorkflowPath = "COMFYQ_WORKFLOW_PATH"
	envMappingPath  = "COMFYQ_PARAM_MAP_PATH"
	envWarmupPrompt = "COMFYQ_WARMUP_PROMPT"
	envReadyTimeout = "COMFYQ_READY_TIMEOUT_MS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	LogLevel    slog.Level
	ArchivePath string

	// EngineBin is the engine executable to spawn. Empty means attach to
	// an engine already listening on EngineHost:EnginePort.
	EngineBin  string
	EngineArgs []string
	EngineDir  string
	EngineHost string
	EnginePort int

	// WorkflowPath and MappingPath locate the workflow template and its
	// parameter map. Empty paths leave the template unset, so every job
	// renders through the minimal fallback workflow.
	WorkflowPath string
	MappingPath  string

	WarmupPrompt string
	ReadyTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		LogLevel:     slog.LevelInfo,
		ArchivePath:  defaultArchivePath,
		EngineHost:   defaultEngineHost,
		EnginePort:   defaultEnginePort,
		WarmupPrompt: defaultWarmupPrompt,
		ReadyTimeout: defaultReadyTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envArchivePath); v != "" {
		cfg.ArchivePath = v
	}
	if v := os.Getenv(envEngineBin); v != "" {
		cfg.EngineBin = v
	}
	if v := os.Getenv(envEngineArgs); v != "" {
		cfg.EngineArgs = strings.Fields(v)
	}
	if v := os.Getenv(envEngineDir); v != "" {
		cfg.EngineDir = v
	}
	if v := os.Getenv(envEngineHost); v != "" {
		cfg.EngineHost = v
	}
	if v := os.Getenv(envEnginePort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.EnginePort = port
		}
	}
	if v := os.Getenv(envWorkflowPath); v != "" {
		cfg.WorkflowPath = v
	}
	if v := os.Getenv(envMappingPath); v != "" {
		cfg.MappingPath = v
	}
	if v := os.Getenv(envWarmupPrompt); v != "" {
		cfg.WarmupPrompt = v
	}
	if v := os.Getenv(envReadyTimeout); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ReadyTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
