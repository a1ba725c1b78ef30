package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"viz-sandbox/internal/api"
	"viz-sandbox/internal/config"
	"viz-sandbox/internal/execution"
	"viz-sandbox/internal/monitor"
	"viz-sandbox/internal/runtime"
	"viz-sandbox/internal/sandbox"
	"viz-sandbox/internal/workspace"
)

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			log.Fatal().Err(err).Msg("invalid environment override")
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	ws, err := workspace.New(cfg.Workspace.Dir, cfg.Workspace.ArtifactName)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Workspace.Dir).Msg("failed to prepare workspace")
	}
	defer ws.Close()

	if cfg.Workspace.Isolation == execution.IsolationPerRequest {
		go ws.RunJanitor(ctx, cfg.Workspace.SweepEvery, cfg.Workspace.Retention)
	}

	// Initialize sandbox backend (auto-detects Docker vs containerd)
	var runner *sandbox.Runner
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		// Keep serving so health/metrics show why executions fail.
		log.Warn().Err(err).Msg("no sandbox backend available (execution will fail)")
	} else {
		limits := sandbox.ResourceLimits{
			CPUShares: cfg.Sandbox.DefaultLimits.CPUShares,
			MemoryMB:  cfg.Sandbox.DefaultLimits.MemoryMB,
			PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
			DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
		}
		runner, err = sandbox.NewRunner(backend, limits, cfg.Sandbox.DefaultTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid sandbox limits")
		}
	}

	var scanner *monitor.CodeScanner
	if cfg.Security.ScanCode {
		scanner = monitor.NewCodeScanner()
	}

	registry := runtime.NewRegistry(cfg.Sandbox.Images)
	pipeline := execution.NewPipeline(registry, runner, metrics, scanner, cfg.Sandbox.MaxTimeout)
	svc := execution.NewService(pipeline, ws, cfg.Workspace.Isolation)

	server := api.NewServer(cfg, svc, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("workspace", ws.Dir()).
		Str("isolation", cfg.Workspace.Isolation).
		Strs("languages", registry.Languages()).
		Strs("images", registry.Images()).
		Bool("backend_available", backend != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
