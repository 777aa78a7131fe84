package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/antoniostano/edgevoice/internal/audio"
	"github.com/antoniostano/edgevoice/internal/beacon"
	"github.com/antoniostano/edgevoice/internal/config"
	"github.com/antoniostano/edgevoice/internal/delivery"
	"github.com/antoniostano/edgevoice/internal/httpapi"
	"github.com/antoniostano/edgevoice/internal/ingest"
	"github.com/antoniostano/edgevoice/internal/llm"
	"github.com/antoniostano/edgevoice/internal/observability"
	"github.com/antoniostano/edgevoice/internal/pipeline"
	"github.com/antoniostano/edgevoice/internal/reliability"
	"github.com/antoniostano/edgevoice/internal/session"
	"github.com/antoniostano/edgevoice/internal/speech"
	"github.com/antoniostano/edgevoice/internal/transcript"
)

var logLevelMap = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	envFile := pflag.StringP("env", "e", ".env", "env file path")
	logLevel := pflag.StringP("log-level", "l", "", "log level (overrides LOG_LEVEL)")
	pflag.Parse()

	// A missing env file is fine; the process environment still applies.
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, ok := logLevelMap[strings.ToLower(cfg.LogLevel)]
	if !ok {
		level = slog.LevelInfo
	}
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, SampleWidth: cfg.SampleWidth}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error("output dir", "dir", cfg.OutputDir, "err", err)
		os.Exit(1)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	transcripts, err := transcript.NewStore(runCtx, transcript.Options{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		MaxPerDevice:  cfg.TranscriptLimit,
	})
	if err != nil {
		logger.Error("transcript store init failed", "err", err)
		os.Exit(1)
	}
	defer transcripts.Close()

	var (
		transcriber speech.Transcriber
		synthesizer speech.Synthesizer
	)
	switch strings.ToLower(strings.TrimSpace(cfg.VoiceProvider)) {
	case "http":
		transcriber = speech.NewHTTPTranscriber(cfg.ASRURL, cfg.ServiceTimeout)
		synthesizer = speech.NewHTTPSynthesizer(cfg.TTSURL, cfg.ServiceTimeout)
		logger.Info("voice provider: http", "asr", cfg.ASRURL, "tts", cfg.TTSURL)
	case "mock":
		p := speech.NewMockProvider()
		transcriber = p
		synthesizer = p
		logger.Info("voice provider: mock")
	default:
		logger.Error("invalid VOICE_PROVIDER (expected http|mock)", "value", cfg.VoiceProvider)
		os.Exit(1)
	}

	model, err := llm.New(llm.Config{
		Mode:          cfg.LLMMode,
		URL:           cfg.LLMURL,
		Timeout:       cfg.ServiceTimeout,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		logger.Error("llm init failed", "err", err)
		os.Exit(1)
	}
	logger.Info("llm mode", "mode", cfg.LLMMode)

	registry := session.NewRegistry(cfg.SessionInactivityTimeout)
	events := httpapi.NewEventHub()
	registry.SetEventHook(func(ev session.Event) {
		events.Publish(ev)
		metrics.SessionEvents.WithLabelValues(string(ev.Status)).Inc()
		metrics.KnownDevices.Set(float64(registry.Count()))
	})
	registry.SetExpireHook(func(s session.DeviceSession) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.KnownDevices.Set(float64(registry.Count()))
		logger.Info("device session expired", "device", s.Device, "status", s.Status)
	})
	registry.StartJanitor(runCtx, cfg.JanitorInterval)

	coordinator := delivery.NewCoordinator(registry, delivery.Config{
		DevicePort:  cfg.DevicePort,
		ChunkSize:   cfg.PushChunkSize,
		DialTimeout: cfg.PushDialTimeout,
		TailDelay:   cfg.PushTailDelay,
		Format:      format,
	}, metrics, logger)

	orchestrator := pipeline.NewOrchestrator(
		registry,
		transcriber,
		synthesizer,
		model,
		coordinator,
		transcripts,
		metrics,
		logger,
		pipeline.Config{OutputDir: cfg.OutputDir},
	)

	var sink ingest.Sink = pipeline.NewIngestSink(registry, orchestrator)
	if cfg.IngestForwardURL != "" {
		sink = ingest.NewHTTPForwarder(cfg.IngestForwardURL, cfg.ForwardAttempts, cfg.ForwardBackoff, cfg.ForwardTimeout, metrics, logger)
		logger.Info("ingest forwarding recordings", "url", cfg.IngestForwardURL)
	}
	listener := ingest.NewListener(ingest.Config{
		Addr:                 cfg.IngestAddr,
		FirstChunkTimeout:    cfg.FirstChunkTimeout,
		PullReadTimeout:      cfg.PullReadTimeout,
		PullMaxReadTimeouts:  cfg.PullMaxReadTimeouts,
		PushReadTimeout:      cfg.PushReadTimeout,
		PushMaxReadTimeouts:  cfg.PushMaxReadTimeouts,
		MinRecordingBytes:    cfg.MinRecordingBytes,
		RecordingsDir:        cfg.RecordingsDir,
		SessionNotifyTimeout: cfg.SessionNotifyTimeout,
		SinkTimeout:          cfg.ServiceTimeout * 4,
		Format:               format,
	}, sink, metrics, logger)
	if err := listener.Listen(); err != nil {
		logger.Error("ingest listen failed", "addr", cfg.IngestAddr, "err", err)
		os.Exit(1)
	}

	services := serviceChecks(transcriber, synthesizer, model)
	probeServices(runCtx, logger, services)

	api := httpapi.New(cfg, httpapi.Dependencies{
		Registry:    registry,
		Delivery:    coordinator,
		Pipeline:    orchestrator,
		Transcripts: transcripts,
		Beacons:     beacon.NewStore(),
		Ingest:      listener,
		Services:    services,
		Events:      events,
		Metrics:     metrics,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ingest listening", "addr", listener.Addr().String(), "profile", cfg.IngestLinkProfile)
		if err := listener.Serve(runCtx); err != nil {
			logger.Error("ingest serve error", "err", err)
		}
	}()
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	_ = listener.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	if err := coordinator.Wait(shutdownCtx); err != nil {
		logger.Warn("transfers still running at shutdown", "active", coordinator.ActiveTransfers())
	}

	logger.Info("shutdown complete")
}

func serviceChecks(transcriber speech.Transcriber, synthesizer speech.Synthesizer, model llm.Streamer) []httpapi.ServiceCheck {
	var checks []httpapi.ServiceCheck
	add := func(name string, v any) {
		if hc, ok := v.(httpapi.HealthChecker); ok {
			checks = append(checks, httpapi.ServiceCheck{Name: name, Checker: hc})
		}
	}
	add("asr", transcriber)
	add("tts", synthesizer)
	add("llm", model)
	return checks
}

// probeServices logs the reachability of each external service. Failures are
// reported but never stop startup.
func probeServices(ctx context.Context, logger *slog.Logger, services []httpapi.ServiceCheck) {
	const attempts = 3
	for _, svc := range services {
		var err error
		for attempt := 1; attempt <= attempts; attempt++ {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = svc.Checker.Health(probeCtx)
			cancel()
			if err == nil {
				break
			}
			if attempt < attempts {
				if reliability.Sleep(ctx, reliability.LinearBackoff(attempt, time.Second)) != nil {
					return
				}
			}
		}
		if err != nil {
			logger.Warn("service unreachable", "service", svc.Name, "attempts", attempts, "err", err)
			continue
		}
		logger.Info("service reachable", "service", svc.Name)
	}
}
