package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice"
	"github.com/snarg/sitevoice/internal/analysis"
	"github.com/snarg/sitevoice/internal/api"
	"github.com/snarg/sitevoice/internal/config"
	"github.com/snarg/sitevoice/internal/database"
	"github.com/snarg/sitevoice/internal/events"
	"github.com/snarg/sitevoice/internal/ingest"
	"github.com/snarg/sitevoice/internal/llm"
	"github.com/snarg/sitevoice/internal/metrics"
	"github.com/snarg/sitevoice/internal/mqttclient"
	"github.com/snarg/sitevoice/internal/pipeline"
	"github.com/snarg/sitevoice/internal/retry"
	"github.com/snarg/sitevoice/internal/storage"
	"github.com/snarg/sitevoice/internal/stt"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "local blob directory (overrides AUDIO_DIR)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "drop folder to ingest from (overrides WATCH_DIR)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("sitevoice starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx, sitevoice.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Blob storage
	storeLog := log.With().Str("component", "storage").Logger()
	blobStore, err := storage.New(cfg.S3, cfg.AudioDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}
	blobs := storage.NewGateway(blobStore, storeLog)

	// Speech-to-text
	var provider stt.Provider
	var warmer stt.Warmer
	switch cfg.STT.Provider {
	case "whisper":
		provider = stt.NewWhisperClient(cfg.STT.URL, cfg.STT.APIKey, cfg.STT.Model,
			stt.TranscribeOpts{Language: cfg.STT.Language}, cfg.STT.Timeout)
	default:
		raw := stt.NewRawClient(cfg.STT.URL, cfg.STT.APIKey, cfg.STT.Model, cfg.STT.Timeout)
		provider, warmer = raw, raw
	}
	if cfg.STT.URL == "" {
		log.Warn().Msg("STT_URL not set, transcriptions will fail until it is configured")
	}
	log.Info().Str("provider", provider.Name()).Str("model", provider.Model()).Msg("speech-to-text configured")

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	// Analysis
	temperature := cfg.LLM.Temperature
	completer := llm.NewClient(llm.Options{
		URL:         cfg.LLM.URL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: &temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	stage := analysis.NewStage(completer, db, analysis.Options{
		Retry:  cfg.AnalysisRetry,
		Policy: policy,
		OnRetry: func(int, time.Duration, error) {
			metrics.WorkerRetriesTotal.WithLabelValues("llm").Inc()
		},
	}, log.With().Str("component", "analysis").Logger())
	log.Info().Str("model", completer.Model()).Bool("retry", cfg.AnalysisRetry).Msg("analysis configured")

	// Events: SSE bus, plus MQTT when a broker is configured
	bus := events.NewBus(cfg.EventRingSize)
	var sinks []events.Sink
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		sinks = append(sinks, mqtt)
	}
	notifier := events.NewFanout(bus, log, sinks...)

	// Pipeline
	orch := pipeline.New(pipeline.Deps{
		Store:              db,
		Blobs:              blobs,
		STT:                provider,
		Analyzer:           stage,
		Notifier:           notifier,
		Policy:             policy,
		DefaultContentType: cfg.STT.ContentType,
		Log:                log.With().Str("component", "pipeline").Logger(),
	})

	prometheus.MustRegister(metrics.NewCollector(db.Pool, orch, bus))

	health := api.HealthOptions{
		DB:        db,
		Stats:     orch,
		Storage:   blobs.Backend(),
		STT:       provider.Name(),
		Version:   version,
		StartTime: startTime,
	}
	if mqtt != nil {
		health.MQTT = mqtt
	}

	// Watch folder
	var watcher *ingest.FolderWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFolderWatcher(orch, cfg.WatchDir, log)
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start folder watcher")
		}
		health.Watcher = watcher
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:   cfg,
		Projects: db,
		Pipeline: orch,
		Events:   bus,
		Warmer:   warmer,
		Health:   health,
		Log:      httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop intake first, then let transcriptions drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	orch.Stop(shutdownCtx)

	log.Info().Msg("sitevoice stopped")
}
