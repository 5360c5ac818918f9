package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/zmeta-engine/internal/api"
	"github.com/snarg/zmeta-engine/internal/config"
	"github.com/snarg/zmeta-engine/internal/hub"
	"github.com/snarg/zmeta-engine/internal/ingest"
	"github.com/snarg/zmeta-engine/internal/metrics"
	"github.com/snarg/zmeta-engine/internal/mqttclient"
	"github.com/snarg/zmeta-engine/internal/recorder"
	"github.com/snarg/zmeta-engine/internal/rules"
)

var version = "dev"

func main() {
	// Config
	cfg, err := config.Load()
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
	log.Info().Str("version", version).Str("env", cfg.Environment).Msg("zmeta-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := metrics.NewRegistry()

	// Rules
	engine := rules.NewEngine(cfg.RulesPath, log)
	if err := engine.Load(); err != nil {
		log.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("failed to load rules")
	}
	if cfg.RulesWatch {
		watcher := rules.NewWatcher(engine, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start rule watcher")
		}
		defer watcher.Stop()
	}

	// Recorder, with optional S3 archive of rotated hour files
	var archiver recorder.Archiver
	if cfg.S3Enabled() {
		s3arc, err := recorder.NewS3Archiver(recorder.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build s3 archiver")
		}
		s3arc.Start()
		defer s3arc.Stop()
		archiver = s3arc
	}
	rec := recorder.New(recorder.Options{
		BaseDir:  cfg.RecorderDir,
		QueueMax: cfg.RecorderQueueMax,
		MaxAge:   cfg.RecorderRetentionDur,
		Archiver: archiver,
		Metrics:  reg,
		Log:      log,
	})
	if err := rec.Start(); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.RecorderDir).Msg("failed to start recorder")
	}
	defer rec.Stop()

	// Fan-out hub and ingest pipeline
	h := hub.New(hub.Options{
		QueueSize:              cfg.WSQueueMax,
		PutTimeout:             cfg.WSPutTimeout,
		MaxBackpressureRetries: cfg.WSMaxBackpressure,
		Metrics:                reg,
		Log:                    log,
	})
	deduper := ingest.NewAlertDeduper(cfg.AlertDedupTTL)
	pipeline := ingest.NewPipeline(ingest.PipelineOptions{
		Metrics:  reg,
		Hub:      h,
		Recorder: rec,
		Rules:    engine,
		Deduper:  deduper,
		Log:      log,
	})

	// UDP listener
	udp := ingest.NewUDPReceiver(ingest.UDPOptions{
		Host:     cfg.UDPHost,
		Port:     cfg.UDPPort,
		QueueMax: cfg.UDPQueueMax,
		Pipeline: pipeline,
		Metrics:  reg,
		Log:      log,
	})
	if err := udp.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start udp listener")
	}
	defer udp.Stop()

	// Optional MQTT ingest source
	var broker api.BrokerStatus
	if cfg.MQTTEnabled() {
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTTopics,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Pipeline:  pipeline,
			Metrics:   reg,
			Log:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		broker = mqtt
	}

	// HTTP server
	srv := api.NewServer(api.Options{
		Config:   cfg,
		Metrics:  reg,
		Hub:      h,
		Pipeline: pipeline,
		Recorder: rec,
		Rules:    engine,
		Deduper:  deduper,
		MQTT:     broker,
		Version:  version,
		Log:      log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	log.Info().
		Str("health", cfg.UIURL("/healthz")).
		Str("status", cfg.UIURL("/status")).
		Str("ws", cfg.UIURL("/ws")).
		Msg("engine ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Stop accepting first, then drain the ingest side so the recorder
	// flushes everything already queued.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	udp.Stop()
	rec.Stop()

	log.Info().Msg("zmeta-engine stopped")
}
