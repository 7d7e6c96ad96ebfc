// Command continuum is the Continuum runtime core: a single-process
// modular service dispatching IPC commands and events across a registry of
// cooperating modules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/continuumrt/continuum/internal/code"
	"github.com/continuumrt/continuum/internal/config"
	"github.com/continuumrt/continuum/internal/inference"
	"github.com/continuumrt/continuum/internal/logging"
	"github.com/continuumrt/continuum/internal/memory"
	"github.com/continuumrt/continuum/internal/observe"
	"github.com/continuumrt/continuum/internal/persona"
	"github.com/continuumrt/continuum/internal/rag"
	"github.com/continuumrt/continuum/internal/runtime"
	"github.com/continuumrt/continuum/internal/sentinel"
	"github.com/continuumrt/continuum/internal/toolparse"
	"github.com/continuumrt/continuum/internal/voice"
	"github.com/continuumrt/continuum/internal/voice/bridge"
	"github.com/continuumrt/continuum/internal/voice/stt"
	whisperstt "github.com/continuumrt/continuum/internal/voice/stt/whisper"
	"github.com/continuumrt/continuum/internal/voice/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	socketOverride := flag.String("socket", "", "override server.socket_path")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "continuum: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "continuum: %v\n", err)
		}
		return 1
	}
	if *socketOverride != "" {
		cfg.Server.SocketPath = *socketOverride
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	var logClient *logging.Client
	if cfg.Logger.SocketPath != "" {
		logClient = logging.NewClient(cfg.Logger.SocketPath)
		defer logClient.Close()
	}

	slog.Info("continuum starting",
		"config", *configPath,
		"socket", cfg.Server.SocketPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "continuum"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelShutdown(shutdownCtx)
	}()
	metrics := observe.Default()

	// ── Runtime wiring ────────────────────────────────────────────────────────
	rt := runtime.New(
		runtime.WithForeignSocket(cfg.Server.ForeignSocketPath),
		runtime.WithMetrics(metrics),
	)

	memoryManager := memory.NewManager()
	var embedder memory.Embedder
	if cfg.Memory.EmbeddingsAPIKey != "" {
		embedder, err = memory.NewOpenAIEmbedder(cfg.Memory.EmbeddingsAPIKey, cfg.Memory.EmbeddingsModel)
		if err != nil {
			slog.Error("failed to create embedder", "err", err)
			return 1
		}
	}

	sttRegistry := stt.NewRegistry()
	if cfg.Voice.WhisperModelPath != "" {
		adapter, err := whisperstt.New(cfg.Voice.WhisperModelPath,
			whisperstt.WithLanguage(cfg.Voice.Language))
		if err != nil {
			slog.Error("failed to create whisper adapter", "err", err)
			return 1
		}
		sttRegistry.Register(adapter)
	}
	ttsRegistry := tts.NewRegistry()
	if cfg.Voice.PiperBinary != "" {
		ttsRegistry.Register(tts.NewPiper(cfg.Voice.PiperBinary, cfg.Voice.PiperVoicesDir, cfg.Voice.PiperVoices))
	}

	aiConfig := inference.ModuleConfig{Workers: cfg.Inference.Workers}
	if cfg.Inference.ModelPath != "" {
		modelPath := cfg.Inference.ModelPath
		aiConfig.Factory = func(workerID int) (inference.Backend, error) {
			return inference.LoadGGUF(fmt.Sprintf("worker-%d", workerID), modelPath)
		}
	}

	voiceModule := voice.NewModule(sttRegistry, ttsRegistry, metrics)

	rt.Register(runtime.NewControlModule(rt.Registry()))
	rt.Register(memory.NewModule(memoryManager, embedder))
	rt.Register(persona.NewModule())
	rt.Register(toolparse.NewModule())
	rt.Register(inference.NewModule(aiConfig))
	rt.Register(sentinel.NewModule())
	rt.Register(rag.NewModule(memoryManager))
	rt.Register(code.NewModule())
	rt.Register(voiceModule)

	if err := rt.Initialize(ctx); err != nil {
		slog.Error("runtime initialization failed", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher := config.NewWatcher(*configPath, cfg, func(_, updated *config.Config) {
		slog.SetDefault(newLogger(updated.Server.LogLevel))
	})
	watcher.Start()
	defer watcher.Stop()

	// ── Optional SFU bridge ───────────────────────────────────────────────────
	if cfg.Bridge.URL != "" {
		sfu, err := bridge.New(cfg.Bridge.URL, voiceModule.Mixer())
		if err != nil {
			slog.Error("failed to create sfu bridge", "err", err)
			return 1
		}
		go func() {
			if err := sfu.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sfu bridge stopped", "err", err)
			}
		}()
	}

	// ── IPC server ────────────────────────────────────────────────────────────
	server := runtime.NewServer(rt, cfg.Server.SocketPath)
	if err := server.Listen(); err != nil {
		slog.Error("failed to bind ipc socket", "err", err)
		return 1
	}

	slog.Info("server ready")
	if logClient != nil {
		logClient.Emit("info", "core", "continuum core started", nil)
	}

	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("serve error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)
	slog.Info("goodbye")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
