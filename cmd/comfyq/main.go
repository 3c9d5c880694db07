package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/b2renger/ComfyQ/internal/api"
	"github.com/b2renger/ComfyQ/internal/broadcast"
	"github.com/b2renger/ComfyQ/internal/comfy"
	"github.com/b2renger/ComfyQ/internal/config"
	"github.com/b2renger/ComfyQ/internal/relay"
	"github.com/b2renger/ComfyQ/internal/scheduler"
	"github.com/b2renger/ComfyQ/internal/store"
	"github.com/b2renger/ComfyQ/internal/supervisor"
	"github.com/b2renger/ComfyQ/internal/workflow"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("comfyq: starting",
		"listen_addr", cfg.ListenAddr,
		"engine_host", cfg.EngineHost,
		"engine_port", cfg.EnginePort,
		"archive_path", cfg.ArchivePath,
	)

	var (
		graph   workflow.Graph
		mapping workflow.Mapping
		err     error
	)
	if cfg.WorkflowPath != "" {
		graph, err = workflow.LoadGraph(cfg.WorkflowPath)
		if err != nil {
			log.Fatalf("failed to load workflow template: %v", err)
		}
	}
	if cfg.MappingPath != "" {
		mapping, err = workflow.LoadMapping(cfg.MappingPath)
		if err != nil {
			log.Fatalf("failed to load parameter map: %v", err)
		}
	}

	archive, err := store.NewSQLiteArchive(cfg.ArchivePath)
	if err != nil {
		log.Fatalf("failed to open archive: %v", err)
	}
	defer archive.Close()

	client := comfy.NewClient(cfg.EngineHost, cfg.EnginePort, logger)

	// Calibration uses the same template as live jobs and falls back to
	// the minimal workflow the same way.
	warmupValues := map[string]any{"prompt": cfg.WarmupPrompt}
	warmup, _, err := workflow.Render(graph, mapping, warmupValues, "warmup")
	if err != nil {
		warmup, _ = workflow.Fallback(warmupValues, "warmup")
	}

	sup := supervisor.New(supervisor.Config{
		Bin:          cfg.EngineBin,
		Args:         cfg.EngineArgs,
		Dir:          cfg.EngineDir,
		Host:         cfg.EngineHost,
		Port:         cfg.EnginePort,
		ReadyTimeout: cfg.ReadyTimeout,
		WarmupGraph:  warmup,
	}, supervisor.AdaptClient(client), logger)

	broker := broadcast.NewBroker()
	defer broker.Shutdown()

	sched := scheduler.New(scheduler.Config{
		Graph:   graph,
		Mapping: mapping,
	}, client, sup, archive, broker, logger)

	rel := relay.New(sched, 0, logger)
	sup.SetEventListener(rel)
	sup.SetNotify(sched.PublishState)

	if err := sup.Boot(context.Background()); err != nil {
		// Don't leave a half-booted engine process behind.
		bootCtx, bootCancel := context.WithTimeout(context.Background(), shutdownGrace)
		sup.Shutdown(bootCtx)
		bootCancel()
		log.Fatalf("engine boot failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(dispatchDone)
	}()
	go rel.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, sched, sup, archive, broker, logger)
	runErr := srv.Run()

	// Stop dispatching and wait for any in-flight execution to settle
	// before taking the engine down.
	cancel()
	<-dispatchDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	sup.Shutdown(shutdownCtx)
	shutdownCancel()

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
	logger.Info("comfyq: stopped")
}
